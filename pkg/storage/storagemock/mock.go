package storagemock

import (
	"context"

	"github.com/johanzander/growatt-server-upstream/pkg/storage"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetRecord(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	var data []byte
	if v := args.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, args.Error(1)
}

func (m *MockDatabase) SetRecord(ctx context.Context, key string, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	return nil
}
