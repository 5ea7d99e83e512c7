package dispatch

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCidrDB(t *testing.T) {
	loader := NewStaticLoader([]string{
		"# comment",
		"",
		"127.0.0.0/24",
		"1.2.0.0/16",
		"1.2.3.0/24",
		"192.0.2.7",
		"2a03:2880:f101:83::0/64",
	})
	db, err := NewCidrDB("testlist", loader)
	require.NoError(t, err)

	tests := []struct {
		ip    net.IP
		match bool
		rule  string
	}{
		{ip: net.ParseIP("127.0.0.1"), match: true, rule: "127.0.0.0/24"},
		{ip: net.ParseIP("1.2.3.4"), match: true, rule: "1.2.0.0/16"},
		{ip: net.ParseIP("192.0.2.7"), match: true, rule: "192.0.2.7/32"},
		{ip: net.ParseIP("192.0.2.8"), match: false},
		{ip: net.ParseIP("192.168.1.1"), match: false},
		{ip: net.ParseIP("::ffff:127.0.0.9"), match: true, rule: "127.0.0.0/24"},
		{ip: net.ParseIP("2a03:2880:f101:83:1:1:1:1"), match: true, rule: "2a03:2880:f101:83::/64"},
		{ip: net.ParseIP("::1"), match: false},
	}
	for _, test := range tests {
		rule, ok := db.Match(test.ip)
		require.Equal(t, test.match, ok, test.ip.String())
		require.Equal(t, test.rule, rule, test.ip.String())
	}
}

func TestCidrDBInvalidRule(t *testing.T) {
	_, err := NewCidrDB("testlist", NewStaticLoader([]string{"300.1.1.0/24"}))
	require.Error(t, err)
}

func TestCidrDBReload(t *testing.T) {
	name := filepath.Join(t.TempDir(), "blackhole.txt")
	require.NoError(t, os.WriteFile(name, []byte("10.0.0.0/8\n"), 0o644))

	db, err := NewCidrDB("file", NewFileLoader(name, FileLoaderOptions{AllowFailure: true}))
	require.NoError(t, err)
	_, ok := db.Match(net.ParseIP("10.1.1.1"))
	require.True(t, ok)

	require.NoError(t, os.WriteFile(name, []byte("172.16.0.0/12\n"), 0o644))
	db, err = db.Reload()
	require.NoError(t, err)
	_, ok = db.Match(net.ParseIP("10.1.1.1"))
	require.False(t, ok)
	_, ok = db.Match(net.ParseIP("172.16.1.1"))
	require.True(t, ok)

	// A missing file keeps the previous rules
	require.NoError(t, os.Remove(name))
	db, err = db.Reload()
	require.NoError(t, err)
	_, ok = db.Match(net.ParseIP("172.16.1.1"))
	require.True(t, ok)
}
