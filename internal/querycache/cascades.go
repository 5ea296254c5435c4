package querycache

// Cache keys for the dependent views each entity mutation must refresh.
const (
	KeyStrategies     = "strategies"
	KeyTrades         = "trades"
	KeyReports        = "reports"
	KeyDashboardStats = "dashboard-stats"
	KeyAccounts       = "accounts"
	KeyLedger         = "ledger"
	KeyProfile        = "profile"
	KeySettings       = "settings"
)

// cascades maps each mutable entity type to the fixed, exhaustive set of
// cache keys that go stale when an instance of it changes. Every mutating
// operation must name its entity here; Mutate rejects undeclared ones.
var cascades = map[string][]string{
	"strategy":  {KeyStrategies, KeyTrades, KeyReports, KeyDashboardStats},
	"trade":     {KeyTrades, KeyReports, KeyDashboardStats},
	"account":   {KeyAccounts, KeyLedger, KeyDashboardStats},
	"movement":  {KeyLedger, KeyAccounts, KeyDashboardStats},
	"profile":   {KeyProfile, KeyAccounts},
	"settings":  {KeySettings},
	"workspace": {KeyAccounts, KeyProfile, KeyDashboardStats},
}

// CascadeSet returns the invalidation set declared for entity.
func CascadeSet(entity string) ([]string, bool) {
	keys, ok := cascades[entity]
	if !ok {
		return nil, false
	}
	return append([]string(nil), keys...), true
}
