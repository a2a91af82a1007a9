package db

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezquery/internal/config"
	"ezquery/internal/models"
)

// closedAddr returns a local address nothing is listening on.
func closedAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())
	return "127.0.0.1", addr.Port
}

func TestReadAll_UnreachableDatabase(t *testing.T) {
	host, port := closedAddr(t)
	for _, driver := range []string{"pgdriver", "pq"} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.DatabaseConfig{
				Driver: driver, Host: host, Port: port, Name: "company",
				User: "reader", Password: "secret", SSLMode: "disable",
			}
			sqldb, err := ConnectDB(cfg)
			require.NoError(t, err)
			db := NewDB(sqldb, false)
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			snapshot, err := NewSnapshotReader(db, "").ReadAll(ctx)
			assert.ErrorIs(t, err, models.ErrConnectivity)
			assert.Nil(t, snapshot)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "postgres://localhost/db")
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestRenderRows(t *testing.T) {
	text, err := RenderRows([][]string{
		{"1", "Alice", "Engineering"},
		{"2", "Bob", "Sales, EMEA"},
		{"3", `Carol "CJ"`, "NULL"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1,Alice,Engineering\n2,Bob,\"Sales, EMEA\"\n3,\"Carol \"\"CJ\"\"\",NULL", text)

	empty, err := RenderRows(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{"Alice", "Alice"},
		{[]byte("Engineering"), "Engineering"},
		{int64(42), "42"},
		{3.5, "3.5"},
		{float32(0.25), "0.25"},
		{true, "true"},
		{ts, "2024-03-01T09:30:00Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in))
	}
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, `"employees"`, quoteTable("", "employees"))
	assert.Equal(t, `"hr"."Employees ""old"""`, quoteTable("hr", `Employees "old"`))
}

func TestSnapshotText(t *testing.T) {
	snapshot := models.TableSnapshot{
		"projects":  "1,Apollo\n2,Zephyr",
		"employees": "1,Alice,Engineering\n2,Bob,Sales\n3,Carol,Engineering",
	}
	assert.Equal(t,
		"employees:\n1,Alice,Engineering\n2,Bob,Sales\n3,Carol,Engineering\n\nprojects:\n1,Apollo\n2,Zephyr",
		snapshot.Text())
	assert.Empty(t, models.TableSnapshot{}.Text())
}

func TestDistanceOperatorAndScore(t *testing.T) {
	assert.Equal(t, "<=>", distanceOperator(models.MetricCosine))
	assert.Equal(t, "<->", distanceOperator(models.MetricEuclid))
	assert.Equal(t, "<#>", distanceOperator(models.MetricDot))

	assert.InDelta(t, 0.75, score(models.MetricCosine, 0.25), 1e-6)
	assert.InDelta(t, -2.0, score(models.MetricEuclid, 2.0), 1e-6)
	assert.InDelta(t, 0.9, score(models.MetricDot, -0.9), 1e-6)
}
