package interceptors

import (
	"log/slog"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/intercept"
)

// FromConfig builds the interceptor chain: hop-by-hop cleanup, block
// rules and header stripping first, then extra in order, then the access
// log. The rule set is returned so its file can be watched; it is nil
// when no rules file is configured.
func FromConfig(cfg config.InterceptConfig, logger *slog.Logger, extra ...intercept.Stage) (*intercept.Chain, *RuleSet, error) {
	var stages []intercept.Stage
	if cfg.StripHopByHop {
		stages = append(stages, HopByHop{})
	}

	var rules *RuleSet
	if cfg.RulesFile != "" {
		var err error
		rules, err = LoadRuleSet(cfg.RulesFile, logger)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, rules)
	}

	if len(cfg.StripResponseHeaders) > 0 {
		stages = append(stages, NewStripHeaders(cfg.StripResponseHeaders, logger))
	}
	stages = append(stages, extra...)
	if cfg.AccessLog {
		stages = append(stages, NewAccessLog(logger))
	}
	return intercept.NewChain(stages...), rules, nil
}
