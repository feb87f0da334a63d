package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"gpucallstack/pkg/models"
)

// Filter modes.
const (
	ModeExclude = "exclude"
	ModeInclude = "include"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

// SigmaOptions configures a SigmaFilter.
type SigmaOptions struct {
	// Path is a rule file or a directory walked for .yml/.yaml files.
	Path string
	// Mode is ModeExclude (drop matches) or ModeInclude (keep only matches).
	Mode string
	// Product is the logsource product a rule must name, if it names one.
	Product string
}

type compiledSigmaRule struct {
	title string
	eval  *sigmaevaluator.RuleEvaluator
}

// SigmaFilter evaluates Sigma rules against individual trace events.
type SigmaFilter struct {
	rules   []compiledSigmaRule
	include bool
	ctx     context.Context
}

// NewSigmaFilter loads Sigma rules from a file or directory and compiles evaluators.
// Unsupported or complex rules are skipped and included in stats.
func NewSigmaFilter(opts SigmaOptions) (*SigmaFilter, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "":
		mode = ModeExclude
	case ModeExclude, ModeInclude:
	default:
		return nil, stats, fmt.Errorf("unknown filter mode %q", opts.Mode)
	}

	resolved, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 16)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		if !isProductCompatible(rule, opts.Product) {
			stats.SkippedDatasource++
			continue
		}

		if ok, _ := isSimpleSingleEventRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			title: strings.TrimSpace(rule.Title),
			eval:  sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaFilter{
		rules:   compiled,
		include: mode == ModeInclude,
		ctx:     context.Background(),
	}, stats, nil
}

// Allow reports whether event passes the filter.
func (f *SigmaFilter) Allow(event *models.Event) bool {
	if f == nil || event == nil {
		return true
	}
	matched := f.Match(event) != ""
	if f.include {
		return matched
	}
	return !matched
}

// Match returns the title of the first rule matching event, or "".
func (f *SigmaFilter) Match(event *models.Event) string {
	if f == nil || event == nil || len(f.rules) == 0 {
		return ""
	}

	eventMap := sigmaEventFrom(event)
	for _, rule := range f.rules {
		res, err := rule.eval.Matches(f.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			if rule.title == "" {
				return "untitled"
			}
			return rule.title
		}
	}
	return ""
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isProductCompatible(rule sigma.Rule, product string) bool {
	ruleProduct := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	if ruleProduct == "" || strings.TrimSpace(product) == "" {
		return true
	}
	return ruleProduct == strings.ToLower(strings.TrimSpace(product))
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func sigmaEventFrom(event *models.Event) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Fields)+4)
	for k, v := range event.Fields {
		buf[k] = v
	}
	buf["name"] = event.Name
	buf["ts"] = event.Timestamp
	if event.Category != "" {
		buf["cat"] = event.Category
	}
	if event.Phase != "" {
		buf["ph"] = event.Phase
	}
	return buf
}
