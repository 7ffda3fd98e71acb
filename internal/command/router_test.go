package command

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lcdmatrix/internal/lcd"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

type stubMatrix struct{ mock.Mock }

func (m *stubMatrix) DisplayOnID(l model.Lines, id string) bool {
	return m.Called(l, id).Bool(0)
}
func (m *stubMatrix) DisplayOnNext(l model.Lines, id string) bool {
	return m.Called(l, id).Bool(0)
}
func (m *stubMatrix) DisplayOnNextOrID(l model.Lines, id string) bool {
	return m.Called(l, id).Bool(0)
}
func (m *stubMatrix) DisplayAndShift(l model.Lines, id string) bool {
	return m.Called(l, id).Bool(0)
}
func (m *stubMatrix) Lock(t matrix.Target) bool   { return m.Called(t).Bool(0) }
func (m *stubMatrix) Unlock(t matrix.Target) bool { return m.Called(t).Bool(0) }
func (m *stubMatrix) Pin(t matrix.Target) bool    { return m.Called(t).Bool(0) }
func (m *stubMatrix) Unpin(t matrix.Target) bool  { return m.Called(t).Bool(0) }
func (m *stubMatrix) SelfTest()                   { m.Called() }
func (m *stubMatrix) Exit() error                 { return m.Called().Error(0) }

type stubObserver struct{ mock.Mock }

func (o *stubObserver) CommandHandled(kind string) { o.Called(kind) }
func (o *stubObserver) DecodeFailed()              { o.Called() }

func TestDispatchRoutesEachKind(t *testing.T) {
	lines := model.Text("A", "B")

	tests := []struct {
		name   string
		cmd    Command
		method string
		args   []any
	}{
		{"on_id", Print(matrix.StrategyOnID, lines, "x"), "DisplayOnID", []any{lines, "x"}},
		{"on_next", Print(matrix.StrategyOnNext, lines, "x"), "DisplayOnNext", []any{lines, "x"}},
		{"on_next_or_id", Print(matrix.StrategyOnNextOrID, lines, "x"), "DisplayOnNextOrID", []any{lines, "x"}},
		{"on_shift", Print(matrix.StrategyOnShift, lines, "x"), "DisplayAndShift", []any{lines, "x"}},
		{"lock", Targeted(KindLock, matrix.ByIndex(0)), "Lock", []any{matrix.ByIndex(0)}},
		{"unlock", Targeted(KindUnlock, matrix.ByID("x")), "Unlock", []any{matrix.ByID("x")}},
		{"pin", Targeted(KindPin, matrix.ByIndex(1)), "Pin", []any{matrix.ByIndex(1)}},
		{"unpin", Targeted(KindUnpin, matrix.ByIndex(1)), "Unpin", []any{matrix.ByIndex(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &stubMatrix{}
			m.On(tt.method, tt.args...).Return(true).Once()

			r := NewRouter(m, nil)
			assert.True(t, r.Dispatch(tt.cmd))
			m.AssertExpectations(t)
		})
	}
}

func TestDispatchSelfTestAndExit(t *testing.T) {
	m := &stubMatrix{}
	m.On("SelfTest").Once()
	m.On("Exit").Return(errors.New("display 0x20: stuck")).Once()

	r := NewRouter(m, nil)
	assert.True(t, r.Dispatch(Command{Kind: KindSelfTest}))
	assert.True(t, r.Dispatch(Command{Kind: KindExit}))
	m.AssertExpectations(t)
}

func TestDispatchUnknownStrategy(t *testing.T) {
	m := &stubMatrix{}
	r := NewRouter(m, nil)

	assert.False(t, r.Dispatch(Print("sideways", model.Text("a", "b"), "x")))
	m.AssertNotCalled(t, "DisplayOnNext", mock.Anything, mock.Anything)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	m := &stubMatrix{}
	obs := &stubObserver{}
	obs.On("DecodeFailed").Times(3)
	obs.On("CommandHandled", "selftest").Once()
	m.On("SelfTest").Once()

	r := NewRouter(m, obs)
	r.HandleMessage([]byte(`not json`))
	r.HandleMessage([]byte(`{"print":"on_next"}`))
	r.HandleMessage([]byte(`{"lock":true}`))
	r.HandleMessage([]byte(`{"selftest":true}`))

	assert.Equal(t, int64(3), r.DecodeErrors())
	m.AssertExpectations(t)
	obs.AssertExpectations(t)
}

func TestLockIndexZeroThenOnNextDropsUpdate(t *testing.T) {
	mem := lcd.NewMemory(0x20)
	mx, err := matrix.New(mem, []matrix.Entry{{Address: 0x20}}, matrix.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mx.Exit() })

	r := NewRouter(mx, nil)
	r.HandleMessage([]byte(`{"lock":true,"data":{"index":0}}`))
	r.HandleMessage([]byte(`{"print":"on_next","data":{"lines":["Z",null],"id":"y"}}`))

	u, ok := mx.Unit(0)
	require.True(t, ok)
	assert.True(t, u.Locked())
	assert.Equal(t, [2]string{"", ""}, u.Content())
	assert.False(t, u.HasID("y"))
	assert.Equal(t, int64(1), mx.Dropped())
}

func TestRouterAgainstMatrix(t *testing.T) {
	mx, err := matrix.New(lcd.NewMemory(), []matrix.Entry{{Address: 0x20}, {Address: 0x21}}, matrix.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mx.Exit() })

	r := NewRouter(mx, nil)
	r.HandleMessage([]byte(`{"lock":true,"data":{"index":0}}`))
	r.HandleMessage([]byte(`{"print":"on_next","data":{"lines":["A","B"],"id":"x"}}`))

	u, ok := mx.Unit(1)
	require.True(t, ok)
	require.Eventually(t, func() bool { return u.Rendered() == [2]string{"A", "B"} }, 2*time.Second, 5*time.Millisecond)

	r.HandleMessage([]byte(`{"print":"on_id","data":{"lines":["C",null],"id":"x"}}`))
	require.Eventually(t, func() bool { return u.Rendered() == [2]string{"C", "B"} }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, u.HasID("x"))
}
