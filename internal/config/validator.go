package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/harun/toolengine/pkg/toolexecutor"
)

// Validator validates configuration values
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateConfig runs every check and returns all problems found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []error{err}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if err := v.ValidateJanitorSchedule(cfg.Executor.JanitorSchedule); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateRetry(cfg.Executor.Retry); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// fieldError renders a validator failure with the config key path.
func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s: failed %s", path, fe.Tag())
}

// ValidateJanitorSchedule checks the pruning schedule parses as a cron spec
func (v *Validator) ValidateJanitorSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateRetry checks a default retry policy
func (v *Validator) ValidateRetry(retry *toolexecutor.RetryConfig) error {
	if retry == nil {
		return nil
	}
	if retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}

	b := retry.Backoff
	switch b.Strategy {
	case toolexecutor.BackoffFixed:
		if b.DelayMS < 0 {
			return fmt.Errorf("retry delay_ms cannot be negative")
		}
	case toolexecutor.BackoffExponential:
		if b.Multiplier < 1 {
			return fmt.Errorf("retry multiplier must be at least 1")
		}
	case toolexecutor.BackoffLinear:
		if b.IncrementMS < 0 {
			return fmt.Errorf("retry increment_ms cannot be negative")
		}
	default:
		return fmt.Errorf("invalid retry strategy %q (must be: fixed, exponential, linear)", b.Strategy)
	}
	return nil
}
