package status

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/kiosk-devices/internal/errors"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		code     Code
		expected Type
	}{
		{OK, TypeActual},
		{Cheated, TypeActual},
		{99, TypeActual},
		{100, TypeService},
		{CommandInProgress, TypeService},
		{199, TypeService},
		{200, TypeInterface},
		{PortClosed, TypeInterface},
		{5000, TypeInterface},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, Classify(tc.code), "code %d", tc.code)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	c := NewDefaultCatalog()
	for _, d := range c.Descriptors() {
		first := c.Classify(d.Code)
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, c.Classify(d.Code))
		}
		assert.Equal(t, d.Type, first)
	}
}

func TestCatalog_Register(t *testing.T) {
	c := NewCatalog()

	require.NoError(t, c.Register(50, SeverityWarning, TypeActual, "status.vendor.x"))
	// 相同描述重复注册无副作用
	require.NoError(t, c.Register(50, SeverityWarning, TypeActual, "status.vendor.x"))

	err := c.Register(50, SeverityError, TypeActual, "status.vendor.y")
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
	assert.Equal(t, SeverityWarning, c.SeverityOf(50))

	// 类型与区间不一致
	err = c.Register(150, SeverityOK, TypeActual, "status.bad")
	assert.True(t, errors.Is(err, errors.ErrConfigValidate))

	c.Seal()
	err = c.Register(51, SeverityOK, TypeActual, "status.late")
	assert.Error(t, err)
	_, ok := c.Lookup(51)
	assert.False(t, ok)
}

func TestCatalog_UnknownCode(t *testing.T) {
	c := NewDefaultCatalog()
	assert.Equal(t, SeverityError, c.SeverityOf(77))
	assert.Equal(t, "status.unknown.77", c.Describe(77))
	assert.Equal(t, "status.acceptor.cheated", c.Describe(Cheated))
}

func TestCatalog_ConcurrentReadsAfterSeal(t *testing.T) {
	c := NewDefaultCatalog()
	c.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				assert.Equal(t, SeverityError, c.SeverityOf(Jammed))
			}
		}()
	}
	wg.Wait()
}

func TestCollection_Diff(t *testing.T) {
	prev := NewCollection(OK)
	next := NewCollection(Cheated, Rejected)

	onset, cleared := next.Diff(prev)
	assert.Equal(t, []Code{Cheated, Rejected}, onset)
	assert.Equal(t, []Code{OK}, cleared)

	onset, cleared = next.Diff(next.Clone())
	assert.Empty(t, onset)
	assert.Empty(t, cleared)

	onset, _ = next.Diff(nil)
	assert.Len(t, onset, 2)
}

func TestCollection_NoDuplicates(t *testing.T) {
	c := NewCollection(Jammed, Jammed, Error)
	c.Add(Jammed)
	assert.Equal(t, []Code{Error, Jammed}, c.Codes())
}

func TestCollection_Severity(t *testing.T) {
	catalog := NewDefaultCatalog()

	assert.Equal(t, SeverityOK, NewCollection().MaxSeverity(catalog))
	assert.Equal(t, SeverityWarning, NewCollection(OK, PaperNearEnd).MaxSeverity(catalog))
	assert.Equal(t, SeverityError, NewCollection(PaperNearEnd, PaperEnd).MaxSeverity(catalog))

	worst, ok := NewCollection(PaperNearEnd, PaperJam, PaperEnd).Worst(catalog)
	require.True(t, ok)
	assert.Equal(t, PaperEnd, worst)
}

func TestBaseCleaner(t *testing.T) {
	testCases := []struct {
		name     string
		raw      Collection
		expected []Code
	}{
		{"空集合补OK", NewCollection(), []Code{OK}},
		{"仅内部状态", NewCollection(Polling, LinkTimeout), []Code{OK}},
		{"有状态时去掉OK", NewCollection(OK, Cheated, CommandInProgress), []Code{Cheated}},
		{"保留真实状态", NewCollection(Jammed, StackerOpen), []Code{Jammed, StackerOpen}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, BaseCleaner{}.CleanStatusCodes(tc.raw).Codes())
		})
	}
}

func TestPriorityCleaner(t *testing.T) {
	cleaner := PriorityCleaner{
		Supersedes: map[Code][]Code{Jammed: {Error}},
		Drop:       []Code{Busy},
	}

	got := cleaner.CleanStatusCodes(NewCollection(Jammed, Error, Busy))
	assert.Equal(t, []Code{Jammed}, got.Codes())

	got = cleaner.CleanStatusCodes(NewCollection(Error))
	assert.Equal(t, []Code{Error}, got.Codes())
}

func TestCleaner_NeverLeaksFilteredCodes(t *testing.T) {
	catalog := NewDefaultCatalog()
	all := catalog.Descriptors()
	cleaner := PriorityCleaner{Supersedes: map[Code][]Code{Jammed: {Error}}}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		raw := NewCollection()
		for _, d := range all {
			if rng.Intn(4) == 0 {
				raw.Add(d.Code)
			}
		}
		cleaned := cleaner.CleanStatusCodes(raw)
		for _, code := range cleaned.Codes() {
			assert.Equal(t, TypeActual, Classify(code))
		}
		if cleaned.Has(Jammed) {
			assert.False(t, cleaned.Has(Error))
		}
		assert.False(t, cleaned.Len() > 1 && cleaned.Has(OK))
	}
}

func TestBitMap(t *testing.T) {
	bits := BitMap{0: Cheated, 1: Jammed, 4: Rejected}

	got := bits.Decode(0b10011 | 1<<7)
	assert.Equal(t, []Code{Cheated, Jammed, Rejected}, got.Codes())
	assert.Equal(t, 0, bits.Decode(0).Len())
	assert.Equal(t, uint32(0b10010), bits.Encode(NewCollection(Jammed, Rejected, OK)))
}
