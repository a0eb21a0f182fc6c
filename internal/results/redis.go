package results

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisArchive 以 Redis 保存最近的成績與勝場排行
//
// 資料結構：
//   - List（resultsKey）：最新在前的成績 JSON，LTRIM 保持固定長度
//   - Sorted Set（leaderboardKey）：真實玩家名稱 → 勝場數
//
// 寫入使用 TxPipeline，三個命令一次往返且原子執行。
type RedisArchive struct {
	client         redis.Cmdable
	resultsKey     string
	leaderboardKey string
	maxResults     int64
}

// RedisArchiveConfig 存檔配置
type RedisArchiveConfig struct {
	ResultsKey     string
	LeaderboardKey string
	MaxResults     int64
}

// NewRedisArchive 創建 Redis 存檔
func NewRedisArchive(client redis.Cmdable, cfg RedisArchiveConfig) *RedisArchive {
	if cfg.ResultsKey == "" {
		cfg.ResultsKey = "race:results"
	}
	if cfg.LeaderboardKey == "" {
		cfg.LeaderboardKey = "race:wins"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	return &RedisArchive{
		client:         client,
		resultsKey:     cfg.ResultsKey,
		leaderboardKey: cfg.LeaderboardKey,
		maxResults:     cfg.MaxResults,
	}
}

// Name 實現 Sink
func (a *RedisArchive) Name() string { return "redis" }

// Publish 保存成績並更新排行
func (a *RedisArchive) Publish(ctx context.Context, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.LPush(ctx, a.resultsKey, data)
	pipe.LTrim(ctx, a.resultsKey, 0, a.maxResults-1)
	if winner, ok := res.Winner(); ok {
		pipe.ZIncrBy(ctx, a.leaderboardKey, 1, winner.DisplayName)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive result %s: %w", res.RoomID, err)
	}
	return nil
}

// Recent 最近 n 場成績，最新在前
func (a *RedisArchive) Recent(ctx context.Context, n int64) ([]Result, error) {
	if n <= 0 {
		return []Result{}, nil
	}

	items, err := a.client.LRange(ctx, a.resultsKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}

	out := make([]Result, 0, len(items))
	for _, item := range items {
		var res Result
		if err := json.Unmarshal([]byte(item), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, res)
	}
	return out, nil
}

// Leaderboard 勝場數前 n 名
func (a *RedisArchive) Leaderboard(ctx context.Context, n int64) ([]LeaderboardEntry, error) {
	if n <= 0 {
		return []LeaderboardEntry{}, nil
	}

	zs, err := a.client.ZRevRangeWithScores(ctx, a.leaderboardKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}

	out := make([]LeaderboardEntry, 0, len(zs))
	for _, z := range zs {
		name, _ := z.Member.(string)
		out = append(out, LeaderboardEntry{DisplayName: name, Wins: int64(z.Score)})
	}
	return out, nil
}
