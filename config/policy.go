package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Policy carries every tunable of a reconciliation pass. Nothing in the
// matcher/classifier/planner hardcodes these; tests construct their own.
type Policy struct {
	// Matching
	MatchThreshold          decimal.Decimal `json:"match_threshold" validate:"required"`
	AmountVarianceThreshold decimal.Decimal `json:"amount_variance_threshold" validate:"required"`
	DateProximityWindowDays int             `json:"date_proximity_window_days" validate:"gt=0"`
	ExactRefBaseScore       decimal.Decimal `json:"exact_ref_base_score"`
	AmountWeight            decimal.Decimal `json:"amount_weight"`
	LineOverlapWeight       decimal.Decimal `json:"line_overlap_weight"`
	DateWeight              decimal.Decimal `json:"date_weight"`
	CurrencyWeight          decimal.Decimal `json:"currency_weight"`

	// Classification
	Epsilon decimal.Decimal `json:"epsilon" validate:"required"`

	// Execution
	LockDate                  time.Time `json:"lock_date" validate:"required"`
	DryRun                    bool      `json:"dry_run"`
	MaxConcurrentAdapterCalls int       `json:"max_concurrent_adapter_calls" validate:"gt=0"`
	MaxRetryAttempts          int       `json:"max_retry_attempts" validate:"gt=0"`
	BatchSize                 int       `json:"batch_size" validate:"gt=0"`
	WorkerPoolSize            int       `json:"worker_pool_size" validate:"gt=0"`
}

// DefaultPolicy returns the documented defaults. LockDate is deliberately
// zero: a pass must supply it, LoadPolicyFromEnv and Validate enforce that.
func DefaultPolicy() Policy {
	return Policy{
		MatchThreshold:          decimal.NewFromInt(50),
		AmountVarianceThreshold: decimal.NewFromFloat(0.05),
		DateProximityWindowDays: 90,
		ExactRefBaseScore:       decimal.NewFromInt(95),
		AmountWeight:            decimal.NewFromInt(40),
		LineOverlapWeight:       decimal.NewFromInt(35),
		DateWeight:              decimal.NewFromInt(15),
		CurrencyWeight:          decimal.NewFromInt(10),

		Epsilon: decimal.NewFromInt(1),

		DryRun:                    true,
		MaxConcurrentAdapterCalls: 4,
		MaxRetryAttempts:          5,
		BatchSize:                 80,
		WorkerPoolSize:            8,
	}
}

// LoadPolicyFromEnv builds a Policy from environment variables on top of the
// defaults and validates it. RECON_LOCK_DATE (YYYY-MM-DD) has no default.
func LoadPolicyFromEnv() (Policy, error) {
	p := DefaultPolicy()

	p.MatchThreshold = decimalFromEnv("RECON_MATCH_THRESHOLD", p.MatchThreshold)
	p.AmountVarianceThreshold = decimalFromEnv("RECON_AMOUNT_VARIANCE_THRESHOLD", p.AmountVarianceThreshold)
	p.DateProximityWindowDays = intFromEnv("RECON_DATE_WINDOW_DAYS", p.DateProximityWindowDays)
	p.Epsilon = decimalFromEnv("RECON_EPSILON", p.Epsilon)
	p.MaxConcurrentAdapterCalls = intFromEnv("RECON_MAX_CONCURRENT_ADAPTER_CALLS", p.MaxConcurrentAdapterCalls)
	p.MaxRetryAttempts = intFromEnv("RECON_MAX_RETRY_ATTEMPTS", p.MaxRetryAttempts)
	p.BatchSize = intFromEnv("RECON_BATCH_SIZE", p.BatchSize)
	p.WorkerPoolSize = intFromEnv("RECON_WORKER_POOL_SIZE", p.WorkerPoolSize)

	if v := strings.TrimSpace(os.Getenv("RECON_DRY_RUN")); v != "" {
		p.DryRun = v != "0" && !strings.EqualFold(v, "false")
	}

	if v := strings.TrimSpace(os.Getenv("RECON_LOCK_DATE")); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return Policy{}, err
		}
		p.LockDate = t
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	return validator.New().Struct(p)
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}
