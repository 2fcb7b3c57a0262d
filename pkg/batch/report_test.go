package batch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReportConcurrent(t *testing.T) {
	var r Report
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				r.Ok("ok")
			case 1:
				r.Skip("skip", errors.New("bad name"))
			default:
				r.Fail("fail", errors.New("io"))
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, r.Done, 17)
	require.Len(t, r.Skipped, 17)
	require.Len(t, r.Failed, 16)
	require.Equal(t, "17 done, 17 skipped, 16 failed", r.String())
}

func TestMerge(t *testing.T) {
	var a, b Report
	a.Ok("x")
	b.Fail("y", errors.New("boom"))
	a.Merge(&b)
	a.Merge(nil)
	require.Equal(t, []string{"x"}, a.Done)
	require.Equal(t, "y: boom", a.Failed[0].String())
}
