package server

// WorldView 为广播给客户端的世界视图（State.data）
type WorldView struct {
	Player  Player  `json:"player"`
	Nearby  Nearby  `json:"nearby"`
	UiState UiState `json:"ui_state"`
}

// Player 本地玩家的轻量状态
type Player struct {
	Hp      int32    `json:"hp"`
	HpMax   int32    `json:"hp_max"`
	Mana    int32    `json:"mana"`
	ManaMax int32    `json:"mana_max"`
	Pos     [2]int32 `json:"pos"`
	Level   int32    `json:"level"`
	InTown  bool     `json:"in_town"`
}

// Nearby 玩家周围可见的实体；空列表编码为 []
type Nearby struct {
	Monsters     []Monster     `json:"monsters"`
	Items        []Item        `json:"items"`
	OtherPlayers []OtherPlayer `json:"other_players"`
}

type Monster struct {
	ID        int32    `json:"id"`
	Kind      string   `json:"kind"`
	Pos       [2]int32 `json:"pos"`
	HpPercent uint8    `json:"hp_percent"`
}

type Item struct {
	ID  int32    `json:"id"`
	Pos [2]int32 `json:"pos"`
}

type OtherPlayer struct {
	ID  string   `json:"id"`
	Pos [2]int32 `json:"pos"`
}

type UiState struct {
	InMenu  bool `json:"in_menu"`
	InStore bool `json:"in_store"`
	CanAct  bool `json:"can_act"`
}

// NewNearby 返回列表均已初始化的 Nearby
func NewNearby() Nearby {
	return Nearby{
		Monsters:     make([]Monster, 0),
		Items:        make([]Item, 0),
		OtherPlayers: make([]OtherPlayer, 0),
	}
}
