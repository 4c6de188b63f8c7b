package anomaly

// Config carries every detection threshold. Injected at construction so
// deployments (and tests) can tighten or loosen individual checks without
// touching global state.
type Config struct {
	// Failed logins (same user OR same address).
	MaxFailedPerHour int
	MaxFailedPerDay  int

	// Hours of day (0-23, deployment-local) considered unusual.
	UnusualHours map[int]bool

	// Impossible travel: flag when two logins are farther apart than
	// MaxTravelKm with less than an hour between them.
	MaxTravelKm        float64
	LocationLookback   int // recent successful logins considered
	LocationWindowDays int

	// New-device window.
	DeviceWindowDays int

	// Request flood thresholds.
	MaxRequestsPerMinute int
	MaxRequestsPerHour   int

	// Privileged endpoint prefixes subject to first-access checks.
	PrivilegedPrefixes []string
	EndpointWindowDays int

	// Permission churn: role_change/user_update events per hour before the
	// check trips. The score (count * PermissionChangeWeight) is uncapped:
	// sustained privilege escalation should keep raising the score until it
	// forces a HIGH classification.
	MaxPermissionChangesPerHour int
	PermissionChangeWeight      float64

	// Bulk access: actions containing one of BulkKeywords with a volume
	// indicator above MaxBulkRecords.
	BulkKeywords   []string
	MaxBulkRecords float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxFailedPerHour: 5,
		MaxFailedPerDay:  20,

		UnusualHours: map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true},

		MaxTravelKm:        1000,
		LocationLookback:   10,
		LocationWindowDays: 7,

		DeviceWindowDays: 30,

		MaxRequestsPerMinute: 60,
		MaxRequestsPerHour:   1000,

		PrivilegedPrefixes: []string{"/api/admin", "/api/users", "/api/system"},
		EndpointWindowDays: 7,

		MaxPermissionChangesPerHour: 5,
		PermissionChangeWeight:      8,

		BulkKeywords:   []string{"export", "download", "bulk", "mass"},
		MaxBulkRecords: 100,
	}
}

// Per-signal score caps and fixed weights.
const (
	failedLoginHourlyWeight = 5.0
	failedLoginDailyWeight  = 2.0
	failedLoginCap          = 50.0

	unusualTimeScore = 15.0

	locationScoreDivisor = 100.0
	locationCap          = 40.0

	unusualDeviceScore = 20.0

	frequencyMinuteWeight = 2.0
	frequencyHourDivisor  = 10.0
	frequencyCap          = 30.0

	unusualEndpointScore = 25.0

	bulkScoreDivisor = 10.0
	bulkCap          = 35.0
)
