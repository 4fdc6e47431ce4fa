package pubsub

// Route names a screen the host should show
type Route string

const (
	RouteHome          Route = "home"
	RouteWaitingRoom   Route = "waiting_room"
	RouteCountdown     Route = "countdown"
	RouteResults       Route = "results"
	RouteNotifications Route = "notifications"
	RouteLeaderboard   Route = "leaderboard"
)

// Navigation asks the host to move to Route. The core never navigates itself.
type Navigation struct {
	Route    Route  `json:"route"`
	BattleID string `json:"battle_id,omitempty"`
}

// Buses bundles the application wide buses passed to components
type Buses struct {
	Navigation *Bus[Navigation]
	SoftErrors *Bus[error]
	// WaitingBattlesChanged asks lobby views to reload their list
	WaitingBattlesChanged *Bus[struct{}]
}

// NewBuses creates an empty set of buses
func NewBuses() *Buses {
	return &Buses{
		Navigation:            NewBus[Navigation]("navigation"),
		SoftErrors:            NewBus[error]("soft_errors"),
		WaitingBattlesChanged: NewBus[struct{}]("waiting_battles_changed"),
	}
}
