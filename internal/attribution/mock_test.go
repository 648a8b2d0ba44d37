package attribution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/internal/payload"
	"github.com/sells-group/attribution-cli/pkg/ihc"
)

type mockIHCClient struct {
	mock.Mock
}

func (m *mockIHCClient) ComputeIHC(ctx context.Context, convTypeID string, req ihc.Request) (*ihc.Response, error) {
	args := m.Called(ctx, convTypeID, req)
	resp, _ := args.Get(0).(*ihc.Response)
	return resp, args.Error(1)
}

func TestSubmit_SendsWireRequest(t *testing.T) {
	batch := model.Batch{Index: 0, Journeys: []model.Journey{journey("c1", 2)}}
	want := BuildRequest(batch)

	client := &mockIHCClient{}
	client.On("ComputeIHC", mock.Anything, "online_sales", want).Return(&ihc.Response{
		Value: []ihc.Weight{
			{ConversionID: "c1", SessionID: "c1-s0", IHC: 0.25},
			{ConversionID: "c1", SessionID: "c1-s1", IHC: 0.75},
		},
	}, nil).Once()

	s := NewSubmitter(client, payload.NewFileSink(t.TempDir()), &fakeFailures{}, Options{
		ConvTypeID: "online_sales",
		Retry:      noRetry,
	})
	res := s.Submit(context.Background(), "run-1", []model.Batch{batch})

	client.AssertExpectations(t)
	require.Equal(t, []int{0}, res.Succeeded)
	weights := res.Weights.Weights()
	require.Len(t, weights, 2)
	assert.Equal(t, model.AttributionWeight{ConversionID: "c1", SessionID: "c1-s1", IHC: 0.75}, weights[1])
}

func TestSubmit_DefaultConvType(t *testing.T) {
	client := &mockIHCClient{}
	client.On("ComputeIHC", mock.Anything, "all_markets", mock.AnythingOfType("ihc.Request")).
		Return(&ihc.Response{}, nil).Once()

	s := NewSubmitter(client, payload.NewFileSink(t.TempDir()), &fakeFailures{}, Options{Retry: noRetry})
	res := s.Submit(context.Background(), "run-1", makeBatches(1))

	client.AssertExpectations(t)
	assert.Equal(t, []int{0}, res.Succeeded)
	assert.Equal(t, 0, res.Weights.Len())
}
