package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"gopherex.com/booksync/pkg/metrics"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

// StatusCoder 由携带 HTTP 状态码的错误实现，熔断器据此区分“下游不健康”和“请求本身有问题”
type StatusCoder interface {
	StatusCode() int
}

type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[any]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 5 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 30 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[any], 8),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name, from.String()).Set(0)
			metrics.CBState.WithLabelValues(name, to.String()).Set(1)
		},
		IsSuccessful: isSuccessfulForBreaker,
	}

	cb = gobreaker.NewCircuitBreaker[any](st)
	m.m[name] = cb
	return cb
}

// IsRejected 熔断器自己拒掉的请求（没有打到下游）
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	// 调用方取消不代表下游不健康
	if errors.Is(err, context.Canceled) {
		return true
	}

	var sc StatusCoder
	if !errors.As(err, &sc) {
		// 网络错误/超时：按失败计入
		return false
	}
	code := sc.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return false
	case code >= 400 && code < 500:
		// 鉴权失败、产品不存在之类，熔断也救不了
		return true
	default:
		return false
	}
}
