package taonet

import (
	"expvar"
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang/glog"
)

var (
	handleExported        *expvar.Int
	sessionExported       *expvar.Int
	acceptExported        *expvar.Int
	acceptErrorExported   *expvar.Int
	framesInExported      *expvar.Int
	framesOutExported     *expvar.Int
	protocolErrorExported *expvar.Int
	timeoutExported       *expvar.Int
	timeExported          *expvar.Float
	qpsExported           *expvar.Float
)

func init() {
	handleExported = expvar.NewInt("TotalHandle")
	sessionExported = expvar.NewInt("TotalSessions")
	acceptExported = expvar.NewInt("TotalAccepted")
	acceptErrorExported = expvar.NewInt("TotalAcceptErrors")
	framesInExported = expvar.NewInt("TotalFramesIn")
	framesOutExported = expvar.NewInt("TotalFramesOut")
	protocolErrorExported = expvar.NewInt("TotalProtocolErrors")
	timeoutExported = expvar.NewInt("TotalTimeouts")
	timeExported = expvar.NewFloat("TotalTime")
	qpsExported = expvar.NewFloat("QPS")
}

// MonitorOn starts up an HTTP monitor on port.
func MonitorOn(port int) {
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), nil); err != nil {
			glog.Errorln(err)
			return
		}
	}()
}

func addTotalSessions(delta int64) {
	sessionExported.Add(delta)
	calculateQPS()
}

func addTotalHandle() {
	handleExported.Add(1)
	calculateQPS()
}

func addTotalTime(seconds float64) {
	timeExported.Add(seconds)
	calculateQPS()
}

func addTotalAccepted()              { acceptExported.Add(1) }
func addTotalAcceptErrors()          { acceptErrorExported.Add(1) }
func addTotalFramesIn(n int64)       { framesInExported.Add(n) }
func addTotalFramesOut(n int64)      { framesOutExported.Add(n) }
func addTotalProtocolErrors(n int64) { protocolErrorExported.Add(n) }
func addTotalTimeouts()              { timeoutExported.Add(1) }

func calculateQPS() {
	totalSessions, err := strconv.ParseInt(sessionExported.String(), 10, 64)
	if err != nil {
		glog.Errorln(err)
		return
	}

	totalTime, err := strconv.ParseFloat(timeExported.String(), 64)
	if err != nil {
		glog.Errorln(err)
		return
	}

	totalHandle, err := strconv.ParseInt(handleExported.String(), 10, 64)
	if err != nil {
		glog.Errorln(err)
		return
	}

	if float64(totalSessions)*totalTime != 0 {
		qps := float64(totalHandle) / (float64(totalSessions) * totalTime)
		qpsExported.Set(qps)
	}
}
