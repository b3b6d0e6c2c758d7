package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture[int]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				f.OnSuccess(i)
			} else {
				f.OnError(errors.New("late"))
			}
		}(i)
	}
	wg.Wait()

	v, err := f.Wait(context.Background())
	if err == nil {
		assert.Equal(t, 0, v%2)
	} else {
		assert.Zero(t, v)
	}

	// a second read observes the same outcome
	v2, err2 := f.Wait(context.Background())
	assert.Equal(t, v, v2)
	assert.Equal(t, err, err2)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.OnSuccess("ok")
	<-f.Done()
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestFuncsSkipsNil(t *testing.T) {
	var got error
	h := Funcs[int]{Error: func(err error) { got = err }}

	h.OnSuccess(1)
	h.OnError(context.Canceled)
	assert.ErrorIs(t, got, context.Canceled)
}
