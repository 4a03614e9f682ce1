package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/controller"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/feed"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/issuer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/recovery"
	"github.com/stretchr/testify/require"
)

// 每批 1000 行：alive 與 odds_change 交錯
func envelopeBatch(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		at := sessionStart.Add(time.Duration(i) * time.Millisecond)
		if i%10 == 0 {
			buf.WriteString(aliveLine(1, at))
		} else {
			buf.WriteString(`{"kind":"odds_change","producer":1,"event_id":"sr:match:1","interest":"live"}`)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func BenchmarkPumpThroughput(b *testing.B) {
	dir := b.TempDir()
	config := controller.Config{
		Producers: []controller.ProducerConfig{{
			Producer: producer.Config{ID: 1, Name: "lo", APIPath: "liveodds", MaxRecoveryTime: time.Hour},
			Recovery: recovery.Config{AliveViolationTimeout: time.Minute, MaxMessageAge: time.Minute},
		}},
		SnapshotPath: filepath.Join(dir, "state.json"),
		WALPath:      filepath.Join(dir, "journal.wal"),
	}
	ctrl, err := controller.NewController(config, issuer.NewLogging(0), clock.NewMock(sessionStart))
	require.NoError(b, err)
	require.NoError(b, ctrl.Start())
	defer ctrl.Stop()

	batch := envelopeBatch(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := feed.Pump(context.Background(), bytes.NewReader(batch), ctrl, nil)
		require.NoError(b, err)
	}
	b.StopTimer()
}
