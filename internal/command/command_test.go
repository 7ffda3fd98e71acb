package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Command
	}{
		{
			name: "print on_next with null line",
			in:   `{"print":"on_next","data":{"lines":["Z",null],"id":"y"}}`,
			want: Print(matrix.StrategyOnNext, model.Lines{strPtr("Z"), nil}, "y"),
		},
		{
			name: "print on_shift",
			in:   `{"print":"on_shift","data":{"lines":["a","b"],"id":"feed"}}`,
			want: Print(matrix.StrategyOnShift, model.Text("a", "b"), "feed"),
		},
		{
			name: "lock index 0",
			in:   `{"lock":true,"data":{"index":0}}`,
			want: Targeted(KindLock, matrix.ByIndex(0)),
		},
		{
			name: "unlock by id",
			in:   `{"unlock":true,"data":{"id":"x"}}`,
			want: Targeted(KindUnlock, matrix.ByID("x")),
		},
		{
			name: "pin with both selectors",
			in:   `{"pin":true,"data":{"id":"x","index":2}}`,
			want: Targeted(KindPin, matrix.Target{ID: strPtr("x"), Index: intPtr(2)}),
		},
		{
			name: "unpin",
			in:   `{"unpin":true,"data":{"index":1}}`,
			want: Targeted(KindUnpin, matrix.ByIndex(1)),
		},
		{
			name: "selftest",
			in:   `{"selftest":true}`,
			want: Command{Kind: KindSelfTest},
		},
		{
			name: "exit wins over everything",
			in:   `{"exit":true,"selftest":true,"print":"on_next"}`,
			want: Command{Kind: KindExit},
		},
		{
			name: "lock wins over print",
			in:   `{"lock":true,"print":"on_next","data":{"index":0,"lines":["a","b"],"id":"x"}}`,
			want: Targeted(KindLock, matrix.Target{ID: strPtr("x"), Index: intPtr(0)}),
		},
		{
			name: "unknown keys ignored",
			in:   `{"selftest":true,"colour":"green"}`,
			want: Command{Kind: KindSelfTest},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `{"print":`},
		{"empty object", `{}`},
		{"false flags", `{"exit":false,"lock":false}`},
		{"print without data", `{"print":"on_next"}`},
		{"print unknown strategy", `{"print":"on_top","data":{"lines":["a","b"],"id":"x"}}`},
		{"print one line", `{"print":"on_next","data":{"lines":["a"],"id":"x"}}`},
		{"print three lines", `{"print":"on_next","data":{"lines":["a","b","c"],"id":"x"}}`},
		{"print without id", `{"print":"on_next","data":{"lines":["a","b"]}}`},
		{"lock without data", `{"lock":true}`},
		{"lock without selector", `{"lock":true,"data":{"lines":["a","b"]}}`},
		{"wrong type", `{"lock":"yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)

			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cmds := []Command{
		Print(matrix.StrategyOnID, model.Text("A", "B"), "x"),
		Print(matrix.StrategyOnNext, model.Lines{nil, strPtr("only two")}, "y"),
		Print(matrix.StrategyOnNextOrID, model.Lines{}, ""),
		Print(matrix.StrategyOnShift, model.Text("", ""), "z"),
		Targeted(KindLock, matrix.ByIndex(0)),
		Targeted(KindUnlock, matrix.ByID("x")),
		Targeted(KindPin, matrix.Target{ID: strPtr("p"), Index: intPtr(3)}),
		Targeted(KindUnpin, matrix.ByIndex(7)),
		{Kind: KindSelfTest},
		{Kind: KindExit},
	}

	for _, c := range cmds {
		t.Run(c.Kind.String(), func(t *testing.T) {
			b, err := Encode(c)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	b, err := Encode(Print(matrix.StrategyOnNext, model.Lines{strPtr("print me"), nil}, "printer"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"print":"on_next","data":{"lines":["print me",null],"id":"printer"}}`, string(b))

	b, err = Encode(Targeted(KindLock, matrix.ByIndex(0)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lock":true,"data":{"index":0}}`, string(b))
}

func TestEncodeRejectsIncomplete(t *testing.T) {
	_, err := Encode(Targeted(KindLock, matrix.Target{}))
	assert.Error(t, err)

	_, err = Encode(Print("sideways", model.Text("a", "b"), "x"))
	assert.Error(t, err)

	_, err = Encode(Command{Kind: Kind(42)})
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "print", KindPrint.String())
	assert.Equal(t, "unpin", KindUnpin.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
