package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nstephens/glowworm-display/internal/hashutil"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if !hashutil.IsSupported(cfg.Cache.ChecksumAlgo) {
		return fmt.Errorf("cache.checksum_algo: unsupported algorithm %q (supported: %v)",
			cfg.Cache.ChecksumAlgo, hashutil.Algorithms())
	}
	if cfg.Quota.EvictTargetPct >= cfg.Quota.UsageThresholdPct {
		return fmt.Errorf("quota.evict_target_pct (%.0f) must be below quota.usage_threshold_pct (%.0f)",
			cfg.Quota.EvictTargetPct, cfg.Quota.UsageThresholdPct)
	}
	if cfg.Download.BackoffCap < cfg.Download.BackoffInitial {
		return fmt.Errorf("download.backoff_cap (%s) must be at least download.backoff_initial (%s)",
			cfg.Download.BackoffCap, cfg.Download.BackoffInitial)
	}
	return nil
}

func formatValidationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
