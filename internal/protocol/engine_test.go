package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, responder transport.Responder, tracer Tracer) (*Engine, *transport.Virtual) {
	t.Helper()
	v := transport.NewVirtual("virt", responder)
	require.NoError(t, v.Open())
	e := NewEngine(Config{
		Name:      "Kiosk.Test.Engine",
		Transport: v,
		Framer:    NewFrameAA(),
		Defaults: Options{
			Timeout:    20 * time.Millisecond,
			Retries:    3,
			RetryDelay: time.Millisecond,
		},
		Tracer: tracer,
		Logger: zap.NewNop(),
	})
	return e, v
}

// echoAA 对每个请求回复相同命令码，数据为 0x00
func echoAA(req []byte) []byte {
	cmd, seq, _, ok := ParseAARequest(req)
	if !ok {
		return nil
	}
	return EncodeAAAnswer(cmd, seq, []byte{0x00})
}

func TestEngine_ProcessSuccess(t *testing.T) {
	e, v := newTestEngine(t, echoAA, nil)

	answer, err := e.Process(context.Background(), []byte{0x21}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21, 0x00}, answer)
	assert.Len(t, v.Writes(), 1)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Transactions)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Zero(t, stats.Retries)
}

func TestEngine_RetryBound(t *testing.T) {
	for _, retries := range []int{1, 3, 5} {
		e, v := newTestEngine(t, nil, nil)

		_, err := e.Process(context.Background(), []byte{0x21}, &Options{Retries: retries})
		require.Error(t, err)
		assert.Equal(t, errors.CategoryTransport, errors.CategoryOf(err))
		assert.True(t, errors.Is(err, errors.ErrTransportTimeout))
		assert.Len(t, v.Writes(), retries, "retries=%d", retries)
		assert.Equal(t, uint64(retries), e.Stats().Timeouts)
	}
}

func TestEngine_RecoversAfterChecksumError(t *testing.T) {
	var calls atomic.Int32
	e, v := newTestEngine(t, func(req []byte) []byte {
		answer := echoAA(req)
		if calls.Add(1) == 1 {
			answer[6] ^= 0xFF
		}
		return answer
	}, nil)

	answer, err := e.Process(context.Background(), []byte{0x21}, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x21), answer[0])
	assert.Len(t, v.Writes(), 2)
	assert.Equal(t, uint64(1), e.Stats().ProtocolErrs)
}

func TestEngine_DeviceFailureNotRetried(t *testing.T) {
	e, v := newTestEngine(t, func(req []byte) []byte {
		_, seq, _, _ := ParseAARequest(req)
		return EncodeAAAnswer(AACmdNACK, seq, []byte{0x03})
	}, nil)

	_, err := e.Process(context.Background(), []byte{0x01, 0x05}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryDevice, errors.CategoryOf(err))
	code, ok := errors.DeviceCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Len(t, v.Writes(), 1)
}

func TestEngine_OversizedCommandNoIO(t *testing.T) {
	e, v := newTestEngine(t, echoAA, nil)

	_, err := e.Process(context.Background(), make([]byte, NewFrameAA().MaxPayload()+1), nil)
	assert.Equal(t, errors.CategoryProtocol, errors.CategoryOf(err))
	assert.Empty(t, v.Writes())
}

func TestEngine_NoiseBeforeAnswer(t *testing.T) {
	e, _ := newTestEngine(t, func(req []byte) []byte {
		return append([]byte{0x00, 0x13, 0x37}, echoAA(req)...)
	}, nil)

	answer, err := e.Process(context.Background(), []byte{0x31}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x31, 0x00}, answer)
}

func TestEngine_MinAnswer(t *testing.T) {
	e, v := newTestEngine(t, echoAA, nil)

	_, err := e.Process(context.Background(), []byte{0x21}, &Options{MinAnswer: 4, Retries: 2})
	assert.True(t, errors.Is(err, errors.ErrUnexpectedAnswer))
	assert.Len(t, v.Writes(), 2)
}

func TestEngine_CanceledContext(t *testing.T) {
	e, v := newTestEngine(t, echoAA, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Process(ctx, []byte{0x21}, nil)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	assert.Empty(t, v.Writes())
}

func TestEngine_Tracer(t *testing.T) {
	var (
		mu        sync.Mutex
		exchanges []Exchange
	)
	tracer := TracerFunc(func(x Exchange) {
		mu.Lock()
		exchanges = append(exchanges, x)
		mu.Unlock()
	})
	e, _ := newTestEngine(t, nil, tracer)

	_, err := e.Process(context.Background(), []byte{0x21}, &Options{Retries: 2})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exchanges, 2)
	assert.Equal(t, 1, exchanges[0].Attempt)
	assert.Equal(t, 2, exchanges[1].Attempt)
	assert.Equal(t, "Kiosk.Test.Engine", exchanges[0].Device)
	assert.Error(t, exchanges[1].Err)
}

func TestEngine_SingleFlight(t *testing.T) {
	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	v := transport.NewVirtual("virt", nil)
	v.SetResponder(func(req []byte) []byte {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return echoAA(req)
	})
	require.NoError(t, v.Open())
	e := NewEngine(Config{Name: "sf", Transport: v, Framer: NewFrameAA(), Logger: zap.NewNop()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Process(context.Background(), []byte{0x21}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, uint64(8), e.Stats().Succeeded)
}

func TestEngine_LateAnswerDiscarded(t *testing.T) {
	var calls atomic.Int32
	e, _ := newTestEngine(t, func(req []byte) []byte {
		cmd, seq, _, _ := ParseAARequest(req)
		if calls.Add(1) == 1 {
			return nil
		}
		// 上一个事务的应答迟到，排在本次应答之前
		late := EncodeAAAnswer(cmd, seq-1, []byte{0x00, 0x01})
		return append(late, EncodeAAAnswer(cmd, seq, []byte{0x00, 0x00})...)
	}, nil)

	_, err := e.Process(context.Background(), []byte{0x21}, &Options{Retries: 1})
	require.True(t, errors.Is(err, errors.ErrTransportTimeout))

	answer, err := e.Process(context.Background(), []byte{0x21}, &Options{Retries: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21, 0x00, 0x00}, answer)
}

func TestEngine_ClearsStaleInputBeforeFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	e, v := newTestEngine(t, func(req []byte) []byte {
		if calls.Add(1) == 1 {
			return nil
		}
		return echoAA(req)
	}, nil)

	_, err := e.Process(context.Background(), []byte{0x21}, &Options{Retries: 1})
	require.Error(t, err)

	// 超时之后线路上残留的半帧
	v.Inject([]byte{AAHeader, 0x00})

	answer, err := e.Process(context.Background(), []byte{0x21}, &Options{Retries: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21, 0x00}, answer)
}

func TestEngine_SetDefaults(t *testing.T) {
	e, v := newTestEngine(t, nil, nil)

	e.SetDefaults(Options{Retries: 2})
	assert.Equal(t, 2, e.Defaults().Retries)
	assert.Equal(t, 20*time.Millisecond, e.Defaults().Timeout)

	_, err := e.Process(context.Background(), []byte{0x21}, nil)
	require.Error(t, err)
	assert.Len(t, v.Writes(), 2)

	// 零值字段回到构造时的默认值
	e.SetDefaults(Options{Timeout: 5 * time.Millisecond})
	assert.Equal(t, 3, e.Defaults().Retries)
	assert.Equal(t, 5*time.Millisecond, e.Defaults().Timeout)
}
