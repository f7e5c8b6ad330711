package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	ticksIngested   int64
	rowsWritten     int64
	flushes         int64
	flushErrors     int64
	snapshots       int64
	publishes       int64
	publishFailures int64
	components      sync.Map // map[string]*componentStat
)

func componentFor(name string) *componentStat {
	v, _ := components.LoadOrStore(name, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentFor(component).errors, 1)
}

func IncrementTicks(n int) {
	atomic.AddInt64(&ticksIngested, int64(n))
}

// IncrementFlush counts one successful batch append of rows ticks.
func IncrementFlush(rows int) {
	atomic.AddInt64(&flushes, 1)
	atomic.AddInt64(&rowsWritten, int64(rows))
}

func IncrementFlushError() {
	atomic.AddInt64(&flushErrors, 1)
}

func IncrementSnapshot() {
	atomic.AddInt64(&snapshots, 1)
}

func IncrementPublish(ok bool) {
	if ok {
		atomic.AddInt64(&publishes, 1)
		return
	}
	atomic.AddInt64(&publishFailures, 1)
}

// Counters returns the current pipeline counters keyed by report field name.
func Counters() map[string]int64 {
	return map[string]int64{
		"ticks_ingested":   atomic.LoadInt64(&ticksIngested),
		"rows_written":     atomic.LoadInt64(&rowsWritten),
		"flushes":          atomic.LoadInt64(&flushes),
		"flush_errors":     atomic.LoadInt64(&flushErrors),
		"snapshots":        atomic.LoadInt64(&snapshots),
		"publishes":        atomic.LoadInt64(&publishes),
		"publish_failures": atomic.LoadInt64(&publishFailures),
	}
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsed, diskUsed, sent, recv uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = vm.Used
	}
	if du, err := disk.Usage("/"); err == nil {
		diskUsed = du.Used
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		sent, recv = io[0].BytesSent, io[0].BytesRecv
	}

	perComponent := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		perComponent[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	counters := Counters()
	fields := Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed / 1024 / 1024),
		"disk_mb":        int64(diskUsed / 1024 / 1024),
		"net_bytes_sent": int64(sent),
		"net_bytes_recv": int64(recv),
		"components":     perComponent,
	}
	for k, v := range counters {
		fields[k] = v
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(recv))},
	}
	for name, v := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
		})
	}
	publishMetrics(ctx, data)
}
