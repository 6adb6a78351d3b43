package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Signal driven profiler, after the one in https://github.com/zeromicro/go-zero
// @copyright original authors.

const (
	// memProfileRate is the memory profiling rate while a session runs.
	// See also http://golang.org/pkg/runtime/#pkg-variables
	memProfileRate = 4096

	timeFormat = "20060102_150405"
	debugLevel = 2
)

// Profiler represents an active profiling session.
type Profiler struct {
	dataDir string

	// closers run in order on Stop
	closers []func()

	stopped uint32
}

// lookupProfile is a runtime/pprof named profile written when the session stops.
type lookupProfile struct {
	name    string
	enable  func()
	disable func()
}

var lookupProfiles = []lookupProfile{
	{
		name: "heap",
		enable: func() {
			runtime.MemProfileRate = memProfileRate
		},
		disable: func() {
			runtime.MemProfileRate = 512 * 1024
		},
	},
	{
		name:    "block",
		enable:  func() { runtime.SetBlockProfileRate(1) },
		disable: func() { runtime.SetBlockProfileRate(0) },
	},
	{
		name:    "mutex",
		enable:  func() { runtime.SetMutexProfileFraction(1) },
		disable: func() { runtime.SetMutexProfileFraction(0) },
	},
	{name: "threadcreate"},
}

func (p *Profiler) create(kind, ext string) (*os.File, bool) {
	fn := filepath.Join(p.dataDir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: could not create %s profile %q: %v", kind, fn, err)
		return nil, false
	}
	glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
	return f, true
}

func (p *Profiler) startLookup(lp lookupProfile) {
	f, ok := p.create(lp.name, "pprof")
	if !ok {
		return
	}
	if lp.enable != nil {
		lp.enable()
	}
	p.closers = append(p.closers, func() {
		if prof := pprof.Lookup(lp.name); prof != nil {
			prof.WriteTo(f, 0)
		}
		f.Close()
		if lp.disable != nil {
			lp.disable()
		}
		glog.Infof("pprof: %s profiling disabled, %s", lp.name, f.Name())
	})
}

func (p *Profiler) startCpuProfile() {
	f, ok := p.create("cpu", "pprof")
	if !ok {
		return
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		glog.Errorf("pprof: could not start cpu profile: %v", err)
		f.Close()
		return
	}
	p.closers = append(p.closers, func() {
		pprof.StopCPUProfile()
		f.Close()
		glog.Infof("pprof: cpu profiling disabled, %s", f.Name())
	})
}

func (p *Profiler) startTrace() {
	f, ok := p.create("trace", "out")
	if !ok {
		return
	}
	if err := trace.Start(f); err != nil {
		glog.Errorf("pprof: could not start trace: %v", err)
		f.Close()
		return
	}
	p.closers = append(p.closers, func() {
		trace.Stop()
		f.Close()
		glog.Infof("pprof: trace disabled, %s", f.Name())
	})
}

// StartProfiler starts a new profiling session writing into dataDir.
// The caller should call Stop to flush the profiles.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{dataDir: dataDir}
	p.startCpuProfile()
	for _, lp := range lookupProfiles {
		p.startLookup(lp)
	}
	p.startTrace()
	return p
}

// Stop stops the session and flushes any unwritten data.
func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, closer := range p.closers {
		closer()
	}
}

// dumpGoroutines writes the stacks of all goroutines into dataDir.
func dumpGoroutines(dataDir string) {
	dumpFile := filepath.Join(dataDir, fmt.Sprintf("goroutines-%s.dump", time.Now().Format(timeFormat)))
	glog.Infof("Got dump goroutine signal, dumping goroutine profile to %s", dumpFile)
	f, err := os.Create(dumpFile)
	if err != nil {
		glog.Errorf("Failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, debugLevel); err != nil {
		glog.Errorf("Failed to write goroutine profile to %s, error: %v", dumpFile, err)
	}
}
