package provider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-market-integrity/internal/models"
)

type mockBarsClient struct {
	mock.Mock
}

func (m *mockBarsClient) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	args := m.Called(symbol, req)
	bars, _ := args.Get(0).([]marketdata.Bar)
	return bars, args.Error(1)
}

func TestAlpacaProviderFetchBars(t *testing.T) {
	client := &mockBarsClient{}
	p := newAlpacaProvider(client, AlpacaConfig{Feed: "iex", Adjustment: AdjustmentAll}, fastClassifier(), nil)

	expected := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.NewTimeFrame(15, marketdata.Min),
		Adjustment: marketdata.All,
		Start:      testFrom,
		End:        testTo,
		TotalLimit: 100,
		Feed:       "iex",
	}
	client.On("GetBars", "AAPL", expected).Return([]marketdata.Bar{
		{Timestamp: testFrom, Open: 185, High: 186, Low: 184.5, Close: 185.5, Volume: 12000, TradeCount: 140, VWAP: 185.3},
		{Timestamp: testFrom.Add(15 * time.Minute), Open: 185.5, High: 185.9, Low: 185.1, Close: 185.2, Volume: 9000},
	}, nil).Once()

	bars, err := p.FetchBars(context.Background(), "AAPL", "15Min", testFrom, testTo, 100)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, int64(12000), bars[0].Volume)
	require.NotNil(t, bars[0].VWAP)
	assert.Equal(t, 185.3, *bars[0].VWAP)
	require.NotNil(t, bars[0].TradeCount)
	assert.Equal(t, int64(140), *bars[0].TradeCount)
	assert.Nil(t, bars[1].VWAP)
	assert.Nil(t, bars[1].TradeCount)

	assert.Equal(t, "alpaca", p.Name())
	assert.Equal(t, AdjustmentAll, p.Adjustment())
	client.AssertExpectations(t)
}

func TestAlpacaProviderRetriesTransientErrors(t *testing.T) {
	client := &mockBarsClient{}
	p := newAlpacaProvider(client, AlpacaConfig{}, fastClassifier(), nil)

	client.On("GetBars", "MSFT", mock.Anything).Return(nil, fmt.Errorf("connection reset by peer")).Once()
	client.On("GetBars", "MSFT", mock.Anything).Return([]marketdata.Bar{{Timestamp: testFrom, Open: 1, High: 1, Low: 1, Close: 1}}, nil).Once()

	bars, err := p.FetchBars(context.Background(), "MSFT", "1Day", testFrom, testTo, 0)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	client.AssertNumberOfCalls(t, "GetBars", 2)
}

func TestAlpacaProviderErrors(t *testing.T) {
	t.Run("unsupported timeframe", func(t *testing.T) {
		p := newAlpacaProvider(&mockBarsClient{}, AlpacaConfig{}, nil, nil)
		_, err := p.FetchBars(context.Background(), "AAPL", "1d", testFrom, testTo, 0)
		assert.ErrorIs(t, err, ErrUnsupportedTimeframe)
	})

	t.Run("permanent failure", func(t *testing.T) {
		client := &mockBarsClient{}
		client.On("GetBars", "AAPL", mock.Anything).Return(nil, fmt.Errorf("forbidden")).Once()
		p := newAlpacaProvider(client, AlpacaConfig{}, fastClassifier(), nil)

		_, err := p.FetchBars(context.Background(), "AAPL", "1Day", testFrom, testTo, 0)
		require.Error(t, err)
		client.AssertNumberOfCalls(t, "GetBars", 1)
	})

	t.Run("canceled context skips the call", func(t *testing.T) {
		client := &mockBarsClient{}
		p := newAlpacaProvider(client, AlpacaConfig{}, nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.FetchBars(ctx, "AAPL", "1Day", testFrom, testTo, 0)
		assert.ErrorIs(t, err, context.Canceled)
		client.AssertNotCalled(t, "GetBars", mock.Anything, mock.Anything)
	})
}

func TestParseAlpacaTimeframe(t *testing.T) {
	for tf, s := range AlpacaTimeframes() {
		got, err := parseAlpacaTimeframe(s)
		require.NoError(t, err, tf)
		assert.NotZero(t, got.N, tf)
	}

	tf, err := parseAlpacaTimeframe("4Hour")
	require.NoError(t, err)
	assert.Equal(t, marketdata.NewTimeFrame(4, marketdata.Hour), tf)

	for _, bad := range []string{"", "Min", "0Day", "xDay", "1Year"} {
		_, err := parseAlpacaTimeframe(bad)
		assert.ErrorIs(t, err, ErrUnsupportedTimeframe, bad)
	}
}

func TestTimeframeMaps(t *testing.T) {
	alpaca := AlpacaTimeframes()
	rest := RESTTimeframes()
	for _, tf := range models.AllTimeframes() {
		_, err := alpaca.Lookup(tf)
		assert.NoError(t, err, tf)
		s, err := rest.Lookup(tf)
		require.NoError(t, err, tf)
		assert.Equal(t, string(tf), s)
	}

	got, _ := alpaca.Lookup(models.Timeframe1d)
	assert.Equal(t, "1Day", got)

	_, err := alpaca.Lookup(models.Timeframe("2d"))
	assert.ErrorIs(t, err, ErrUnsupportedTimeframe)
}

func TestAdjustment(t *testing.T) {
	tests := []struct {
		in                        string
		want                      Adjustment
		adjusted, split, dividend bool
	}{
		{"", AdjustmentRaw, false, false, false},
		{"raw", AdjustmentRaw, false, false, false},
		{"split", AdjustmentSplit, true, true, false},
		{"dividend", AdjustmentDividend, true, false, true},
		{"all", AdjustmentAll, true, true, true},
	}
	for _, tt := range tests {
		a, err := ParseAdjustment(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a)
		adj, split, div := a.Flags()
		assert.Equal(t, tt.adjusted, adj, tt.in)
		assert.Equal(t, tt.split, split, tt.in)
		assert.Equal(t, tt.dividend, div, tt.in)
	}

	_, err := ParseAdjustment("total")
	assert.Error(t, err)
}
