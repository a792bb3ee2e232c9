package parcomm_test

import (
	"context"
	"testing"

	"github.com/raskyld/parcomm/pkg/transport"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTransport only knows its rank and size: any traffic is unexpected
// unless a test registers it.
type MockTransport struct {
	m mock.Mock
}

func NewMockTransport(rank, size int) *MockTransport {
	tr := &MockTransport{}
	tr.m.On("Rank").Return(rank).Maybe()
	tr.m.On("Size").Return(size).Maybe()
	return tr
}

func (tr *MockTransport) Rank() int {
	return tr.m.Called().Int(0)
}

func (tr *MockTransport) Size() int {
	return tr.m.Called().Int(0)
}

func (tr *MockTransport) Send(ctx context.Context, dest int, tag transport.Tag, payload []byte) error {
	args := tr.m.Called(dest, tag, payload)
	return args.Error(0)
}

func (tr *MockTransport) Irecv(src int, tag transport.Tag, buf []byte) (transport.Request, error) {
	args := tr.m.Called(src, tag, buf)
	req, _ := args.Get(0).(transport.Request)
	return req, args.Error(1)
}

func (tr *MockTransport) Wait(ctx context.Context, req transport.Request) (transport.Status, error) {
	args := tr.m.Called(req)
	return args.Get(0).(transport.Status), args.Error(1)
}

func (tr *MockTransport) WaitAny(ctx context.Context, reqs []transport.Request) (int, transport.Status, error) {
	args := tr.m.Called(reqs)
	return args.Int(0), args.Get(1).(transport.Status), args.Error(2)
}

func (tr *MockTransport) WaitAll(ctx context.Context, reqs []transport.Request) ([]transport.Status, error) {
	args := tr.m.Called(reqs)
	statuses, _ := args.Get(0).([]transport.Status)
	return statuses, args.Error(1)
}

func (tr *MockTransport) Barrier(ctx context.Context) error {
	return tr.m.Called().Error(0)
}

func (tr *MockTransport) Broadcast(ctx context.Context, buf []byte, root int) error {
	return tr.m.Called(buf, root).Error(0)
}

// requireNoTraffic checks nothing but Rank and Size was called.
func (tr *MockTransport) requireNoTraffic(t *testing.T) {
	t.Helper()
	for _, call := range tr.m.Calls {
		require.Contains(t, []string{"Rank", "Size"}, call.Method, "unexpected transport call")
	}
}
