// Package liquidity 实现跨场所流动性聚合：分层缓存、动态漂移失效、
// 并发受限的取数编排与聚合计算
package liquidity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrVenueBusy 场所在途取数已达并发上限，请求已入队
	ErrVenueBusy = errors.New("场所并发已达上限，请求已入队")
	// ErrNoVenues 没有可用场所
	ErrNoVenues = errors.New("没有可用的交易场所")
	// ErrShuttingDown 聚合器已关闭
	ErrShuttingDown = errors.New("聚合器已关闭")
)

// AllVenuesFailedError 所有场所取数都失败时返回，带每个场所的失败原因
type AllVenuesFailedError struct {
	Symbol string
	Errors map[string]string // venue id -> 失败原因
}

func (e *AllVenuesFailedError) Error() string {
	venues := make([]string, 0, len(e.Errors))
	for v := range e.Errors {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var sb strings.Builder
	fmt.Fprintf(&sb, "所有场所取数失败: symbol=%s", e.Symbol)
	for _, v := range venues {
		fmt.Fprintf(&sb, "; %s: %s", v, e.Errors[v])
	}
	return sb.String()
}

// IsAllVenuesFailed 判断错误是否为全场所失败
func IsAllVenuesFailed(err error) bool {
	var target *AllVenuesFailedError
	return errors.As(err, &target)
}
