package race

// SpawnPoint 出生點座標
type SpawnPoint struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// DefaultSpawnPoints 預設出生點表（依槽位索引排列）
var DefaultSpawnPoints = []SpawnPoint{
	{X: 1423, Y: 244},
	{X: 1423, Y: 320},
	{X: 1304, Y: 244},
	{X: 1304, Y: 320},
	{X: 1200, Y: 244},
}

// DefaultCharacters 可選角色名單
//
// 名稱必須與客戶端角色場景的 name 完全一致，客戶端以 name + "_car" 作為貼圖鍵。
var DefaultCharacters = []string{
	"TOURISM AND HOSPITALITY",
	"LAW SCIENCE",
	"INFORMATION TECHNOLOGIES",
	"BUSINESS ADMINISTRATION",
}

const (
	DefaultCapacity = 4
	DefaultMaxLaps  = 3
)

// spawnAt 取得槽位對應的出生點，超出表長度時固定為最後一個
func spawnAt(points []SpawnPoint, slot int) SpawnPoint {
	if len(points) == 0 {
		return SpawnPoint{}
	}
	if slot >= len(points) {
		return points[len(points)-1]
	}
	if slot < 0 {
		return points[0]
	}
	return points[slot]
}

// syntheticNamePool 建立合成參賽者的名稱池
//
// 排除真實玩家已選擇的角色；若全部被選走則退回完整名單。
func syntheticNamePool(roster []string, taken map[string]bool, shuffle func(n int, swap func(i, j int))) []string {
	pool := make([]string, 0, len(roster))
	for _, name := range roster {
		if !taken[name] {
			pool = append(pool, name)
		}
	}
	if len(pool) == 0 {
		pool = append(pool, roster...)
	}
	if shuffle != nil {
		shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}
	return pool
}
