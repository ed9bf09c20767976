package venue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexroute/errs"
)

const scriptWithExecute = `
module.exports = {
  quote: function (tokenIn, tokenOut, amount) {
    if (tokenIn === "SOL") { return { price: "1.01", fee: 0.002 }; }
    return { price: 0.5, fee: "0" };
  },
  execute: function (tokenIn, amount) {
    return { txHash: "0xscript-" + tokenIn + "-" + amount };
  }
};
`

func TestScriptQuote(t *testing.T) {
	v, err := NewScript("Orca", scriptWithExecute, nil)
	require.NoError(t, err)

	q, err := v.Quote(context.Background(), "SOL", "USDC", d("1.5"))
	require.NoError(t, err)
	require.Equal(t, "Orca", q.Venue)
	require.True(t, q.Price.Equal(d("1.01")))
	require.True(t, q.Fee.Equal(d("0.002")))

	q, err = v.Quote(context.Background(), "BONK", "USDC", d("1"))
	require.NoError(t, err)
	require.True(t, q.Price.Equal(d("0.5")))
}

func TestScriptExecuteExport(t *testing.T) {
	v, err := NewScript("Orca", scriptWithExecute, nil)
	require.NoError(t, err)
	s, err := v.Execute(context.Background(), "SOL", d("1.5"))
	require.NoError(t, err)
	require.Equal(t, "0xscript-SOL-1.5", s.TxHash)
}

func TestScriptExecuteFallsBack(t *testing.T) {
	fallback := NewStatic("Orca", d("1"), d("0"), WithTxHash("0xfallback"))
	v, err := NewScript("Orca", `exports.quote = function () { return { price: 1, fee: 0 }; };`, fallback)
	require.NoError(t, err)
	s, err := v.Execute(context.Background(), "SOL", d("1"))
	require.NoError(t, err)
	require.Equal(t, "0xfallback", s.TxHash)
}

func TestScriptRequiresQuoteExport(t *testing.T) {
	_, err := NewScript("Orca", `exports.other = 1;`, nil)
	require.ErrorContains(t, err, "quote export missing")

	_, err = NewScript("Orca", `exports.quote = function () {};`, nil)
	require.ErrorContains(t, err, "fallback")
}

func TestScriptRejectsOutOfBoundsQuote(t *testing.T) {
	v, err := NewScript("Orca", `exports.quote = function () { return { price: 1, fee: 1.5 }; };`,
		NewStatic("Orca", d("1"), d("0")))
	require.NoError(t, err)
	_, err = v.Quote(context.Background(), "SOL", "USDC", d("1"))
	require.True(t, errs.Is(err, errs.CodeVenue))
}

func TestScriptThrowIsVenueError(t *testing.T) {
	v, err := NewScript("Orca", `exports.quote = function () { throw new Error("pool drained"); };`,
		NewStatic("Orca", d("1"), d("0")))
	require.NoError(t, err)
	_, err = v.Quote(context.Background(), "SOL", "USDC", d("1"))
	require.True(t, errs.Is(err, errs.CodeVenue))
	require.Contains(t, errs.Reason(err), "pool drained")
}

func TestScriptInterruptedByDeadline(t *testing.T) {
	v, err := NewScript("Spin", `exports.quote = function () { while (true) {} };`,
		NewStatic("Spin", d("1"), d("0")))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = v.Quote(ctx, "SOL", "USDC", d("1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the interrupt is cleared, so a later call runs (and times out) again
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = v.Quote(ctx2, "SOL", "USDC", d("1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildDefaultSpecs(t *testing.T) {
	set, err := Build(DefaultSpecs(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Raydium", "Meteora"}, set.Names())
}

func TestBuildStaticAndScript(t *testing.T) {
	set, err := Build([]Spec{
		{Name: "Fixed", Kind: KindStatic, BasePrice: "1.00", Fee: "0.0025", TxHash: "0xabc"},
		{Name: "Scripted", Kind: KindScript, Script: `exports.quote = function () { return { price: 2, fee: 0.01 }; };`},
	}, nil, nil)
	require.NoError(t, err)
	fixed, ok := set.Lookup("Fixed")
	require.True(t, ok)
	s, err := fixed.Execute(context.Background(), "SOL", d("1"))
	require.NoError(t, err)
	require.Equal(t, "0xabc", s.TxHash)

	_, err = Build([]Spec{{Name: "X", Kind: "laser"}}, nil, nil)
	require.ErrorContains(t, err, "unknown kind")
}
