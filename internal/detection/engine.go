package detection

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
)

// RandomSource 置信度随机源，测试中可注入固定种子
type RandomSource interface {
	Float64() float64
}

// PermissionSet 去重后的权限集合
type PermissionSet map[string]struct{}

// NewPermissionSet 从提取结果构建权限集合
func NewPermissionSet(permissions []string) PermissionSet {
	set := make(PermissionSet, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}
	return set
}

// Has 是否包含权限
func (s PermissionSet) Has(permission string) bool {
	_, ok := s[permission]
	return ok
}

// band 置信度区间 [Low, High)
type band struct {
	Low  float64
	High float64
}

var (
	bandMultiPattern  = band{0.15, 0.35}
	bandSinglePattern = band{0.35, 0.55}
	bandManyMonitored = band{0.45, 0.65}
	bandSomeMonitored = band{0.60, 0.80}
	bandFewMonitored  = band{0.75, 0.95}
)

const (
	manyMonitoredThreshold = 15
	someMonitoredThreshold = 8
	confidenceCutoff       = 0.5
)

// Analysis 单次分类的中间结果
type Analysis struct {
	MonitoredCount int
	PatternMatches int
	MatchedRules   []string
	Verdict        domain.Verdict
}

// Engine 基于权限组合的启发式检测引擎
type Engine struct {
	monitored []string
	patterns  []PatternRule

	mu  sync.Mutex // RandomSource 通常不是并发安全的
	rnd RandomSource
}

// NewEngine 使用指定随机源创建检测引擎
func NewEngine(rnd RandomSource) *Engine {
	return &Engine{
		monitored: MonitoredPermissions,
		patterns:  AdwarePatterns,
		rnd:       rnd,
	}
}

// NewSeededEngine 种子为 0 时使用当前时间
func NewSeededEngine(seed int64) *Engine {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewEngine(rand.New(rand.NewSource(seed)))
}

// Classify 对权限集合分类，调用方须先过滤掉提取失败的情况
func (e *Engine) Classify(permissions PermissionSet) domain.Verdict {
	return e.Analyze(permissions).Verdict
}

// Analyze 计算监控权限数、规则命中数并按优先级给出结论
func (e *Engine) Analyze(permissions PermissionSet) Analysis {
	a := Analysis{}

	for _, p := range e.monitored {
		if permissions.Has(p) {
			a.MonitoredCount++
		}
	}

	for _, rule := range e.patterns {
		if matchesAll(permissions, rule.Permissions) {
			a.PatternMatches++
			a.MatchedRules = append(a.MatchedRules, rule.Name)
		}
	}

	switch {
	case a.PatternMatches >= 2:
		confidence := e.draw(bandMultiPattern)
		a.Verdict = domain.NewVerdict(domain.VerdictAdwareDetected, confidence)

	case a.PatternMatches == 1:
		confidence := e.draw(bandSinglePattern)
		kind := domain.VerdictNoAdwareDetected
		if confidence < confidenceCutoff {
			kind = domain.VerdictAdwareDetected
		}
		a.Verdict = domain.NewVerdict(kind, confidence)

	case a.MonitoredCount >= manyMonitoredThreshold:
		confidence := e.draw(bandManyMonitored)
		kind := domain.VerdictAdwareDetected
		if confidence >= confidenceCutoff {
			kind = domain.VerdictNoAdwareDetected
		}
		a.Verdict = domain.NewVerdict(kind, confidence)

	case a.MonitoredCount >= someMonitoredThreshold:
		a.Verdict = domain.NewVerdict(domain.VerdictNoAdwareDetected, e.draw(bandSomeMonitored))

	default:
		a.Verdict = domain.NewVerdict(domain.VerdictNoAdwareDetected, e.draw(bandFewMonitored))
	}

	return a
}

// draw 在区间内均匀取值
func (e *Engine) draw(b band) float64 {
	e.mu.Lock()
	f := e.rnd.Float64()
	e.mu.Unlock()

	v := b.Low + f*(b.High-b.Low)
	if v >= b.High {
		v = math.Nextafter(b.High, b.Low)
	}
	return v
}

func matchesAll(permissions PermissionSet, required []string) bool {
	for _, p := range required {
		if !permissions.Has(p) {
			return false
		}
	}
	return true
}
