package pagestore

import (
	"context"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startRemote(t *testing.T, backing Store) *RemoteStore {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(ServerOptions()...)
	NewServer(backing, log).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cfg := DefaultRemoteConfig("bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := DialRemote(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRemoteStore(t *testing.T) {
	backing := NewMemStore()
	client := startRemote(t, backing)

	_, found, err := client.LoadPage([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)

	page := make([]byte, 1024)
	page[0] = 0xFE
	require.NoError(t, client.WritePages([]Page{
		{Key: JoinKey([]byte("p"), 0), Data: page},
		{Key: JoinKey([]byte("p"), 1), Data: []byte{}},
	}))
	assert.Equal(t, 2, backing.Len())

	data, found, err := client.LoadPage(JoinKey([]byte("p"), 0))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, page, data)

	datas, founds, err := client.LoadPages([][]byte{JoinKey([]byte("p"), 1), []byte("none")})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, founds)
	assert.Empty(t, datas[0])
	assert.Nil(t, datas[1])

	var n int
	require.NoError(t, client.IteratePrefix([]byte("p"), func(_, _ []byte) error {
		n++
		return nil
	}))
	assert.Equal(t, 2, n)

	want, _ := backing.StateRoot()
	got, err := client.StateRoot()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRemoteStoreBehindCache(t *testing.T) {
	backing := NewMemStore()
	require.NoError(t, backing.WritePages([]Page{{Key: JoinKey([]byte("p"), 5), Data: []byte("five")}}))
	client := startRemote(t, backing)

	c, err := NewCachedStorage(client, DefaultCacheConfig())
	require.NoError(t, err)
	data, found, err := c.LoadPage(JoinKey([]byte("p"), 5))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("five"), data)
}

func TestRemoteErrors(t *testing.T) {
	backing := NewMemStore()
	client := startRemote(t, backing)

	err := client.WritePages([]Page{{Data: []byte("x")}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, backing.Close())
	_, _, err = client.LoadPage([]byte("k"))
	require.Error(t, err)
}

func TestDialRemoteRequiresEndpoint(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := DialRemote(RemoteConfig{}, log)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestCodecRejectsGarbage(t *testing.T) {
	var m loadPagesResponse
	assert.ErrorIs(t, m.UnmarshalBinary([]byte{0xff}), ErrMalformedMessage)
	var p pagesMessage
	assert.ErrorIs(t, p.UnmarshalBinary([]byte{1, 5, 'a'}), ErrMalformedMessage)
	_, err := binaryCodec{}.Marshal(struct{}{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
