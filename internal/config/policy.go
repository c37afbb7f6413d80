package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Intent labels that can take the fast path.
const (
	IntentWayfinding = "wayfinding"
	IntentComplaint  = "complaint"
	IntentSmallTalk  = "small_talk"
)

// Policy is the pipeline behaviour loaded from the YAML policy file. Every
// block is optional and independently togglable.
type Policy struct {
	Guide        GuideConfig           `yaml:"guide"`
	Constraints  ConstraintsConfig     `yaml:"constraints"`
	Safety       SafetyConfig          `yaml:"safety"`
	Cache        CacheConfig           `yaml:"cache"`
	RateLimits   map[string]KindPolicy `yaml:"rate_limits"`
	FastPath     FastPathConfig        `yaml:"fast_path"`
	Intents      map[string][]string   `yaml:"intents"`
	Segmentation SegmentationConfig    `yaml:"segmentation"`
	Registry     RegistryConfig        `yaml:"registry"`
	Agents       map[string]string     `yaml:"agents"`
}

// GuideConfig supplies defaults for narration guides that omit a field.
type GuideConfig struct {
	Style     string  `yaml:"style"`
	DurationS float64 `yaml:"duration_s"`
}

// ConstraintsConfig applies to asks that carry no enabled guide.
type ConstraintsConfig struct {
	NoSelfIntro    bool `yaml:"no_self_intro"`
	MaxAnswerChars int  `yaml:"max_answer_chars"`
}

// SafetyConfig lists blocked terms.
type SafetyConfig struct {
	Blacklist TermList `yaml:"blacklist"`
}

// CacheConfig controls the read-through answer cache.
type CacheConfig struct {
	Enabled   bool    `yaml:"enabled"`
	TTLS      float64 `yaml:"ttl_s"`
	KBVersion string  `yaml:"kb_version"`
}

// TTL returns the entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return seconds(c.TTLS)
}

// KindPolicy is the admission policy for one request kind.
type KindPolicy struct {
	Limit          int     `yaml:"limit"`
	WindowS        float64 `yaml:"window_s"`
	CancelPrevious *bool   `yaml:"cancel_previous"`
}

// Window returns the sliding window length.
func (k KindPolicy) Window() time.Duration {
	return seconds(k.WindowS)
}

// SupersedesPrevious reports whether a new request cancels the slot holder.
func (k KindPolicy) SupersedesPrevious() bool {
	return k.CancelPrevious == nil || *k.CancelPrevious
}

// FastPathConfig maps confident intents to canned answers.
type FastPathConfig struct {
	Threshold float64           `yaml:"threshold"`
	Answers   map[string]string `yaml:"answers"`
}

// SegmentationConfig tunes speech chunking.
type SegmentationConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size"`
	Lookback     int `yaml:"lookback"`
}

// RegistryConfig bounds ticket retention.
type RegistryConfig struct {
	TTLS       float64 `yaml:"ttl_s"`
	MaxEntries int     `yaml:"max_entries"`
}

// TTL returns the ticket retention window.
func (r RegistryConfig) TTL() time.Duration {
	return seconds(r.TTLS)
}

// TermList accepts either a list of terms or one string separated by
// commas or newlines.
type TermList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TermList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = SplitTerms(node.Value)
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		var terms []string
		for _, r := range raw {
			terms = append(terms, SplitTerms(r)...)
		}
		*t = terms
		return nil
	default:
		return fmt.Errorf("blacklist: expected string or list, got %v", node.Tag)
	}
}

// SplitTerms splits a separator-delimited term string, dropping blanks.
func SplitTerms(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '，' || r == '\n' || r == ';' || r == '；'
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

// DefaultPolicy returns the built-in pipeline policy.
func DefaultPolicy() Policy {
	return Policy{
		Guide: GuideConfig{
			Style:     "亲切自然",
			DurationS: 60,
		},
		Cache: CacheConfig{
			Enabled:   true,
			TTLS:      3600,
			KBVersion: "v1",
		},
		RateLimits: map[string]KindPolicy{
			"ask":      {Limit: 3, WindowS: 2.5},
			"agent":    {Limit: 3, WindowS: 2.5},
			"prefetch": {Limit: 6, WindowS: 10},
		},
		FastPath: FastPathConfig{
			Threshold: 0.78,
			Answers: map[string]string{
				IntentWayfinding: "您可以查看附近的导览图，或者前往服务台，工作人员会为您指路。",
				IntentComplaint:  "非常抱歉给您带来不好的体验，您的意见我们已经记录，工作人员会尽快跟进处理。",
				IntentSmallTalk:  "您好，很高兴为您服务！有什么想了解的，可以随时问我。",
			},
		},
		Intents: map[string][]string{
			IntentWayfinding: {"在哪", "怎么走", "洗手间", "卫生间", "厕所", "出口", "入口", "电梯", "服务台"},
			IntentComplaint:  {"投诉", "不满意", "太差", "差评", "退款", "举报"},
			IntentSmallTalk:  {"你好", "您好", "谢谢", "再见", "你是谁", "早上好", "晚上好"},
		},
		Segmentation: SegmentationConfig{
			MaxChunkSize: 60,
			Lookback:     20,
		},
		Registry: RegistryConfig{
			TTLS:       600,
			MaxEntries: 10000,
		},
	}
}

// LoadPolicy reads the YAML policy at path on top of DefaultPolicy. An empty
// path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read pipeline config: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML on top of DefaultPolicy and validates it.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse pipeline config: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects settings the pipeline cannot honour.
func (p Policy) Validate() error {
	var errs []error
	if p.FastPath.Threshold <= 0 || p.FastPath.Threshold > 1 {
		errs = append(errs, fmt.Errorf("fast_path.threshold must be in (0, 1], got %v", p.FastPath.Threshold))
	}
	if p.Constraints.MaxAnswerChars < 0 {
		errs = append(errs, errors.New("constraints.max_answer_chars must not be negative"))
	}
	for kind, k := range p.RateLimits {
		if k.Limit < 0 || k.WindowS < 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: limit and window_s must not be negative", kind))
		}
	}
	if p.Cache.Enabled && p.Cache.TTLS <= 0 {
		errs = append(errs, errors.New("cache.ttl_s must be positive when the cache is enabled"))
	}
	return errors.Join(errs...)
}

// Admission returns the admission policy for kind. Callers check KnownKind
// first; an unconfigured kind has the zero policy.
func (p Policy) Admission(kind string) KindPolicy {
	return p.RateLimits[kind]
}

// KnownKind reports whether kind has a rate_limits entry. Only configured
// kinds are admitted.
func (p Policy) KnownKind(kind string) bool {
	_, ok := p.RateLimits[kind]
	return ok
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
