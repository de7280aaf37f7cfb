package logger

import (
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

const (
	FieldCategory   = "category"
	FieldSwitch     = "switch"
	FieldTeid       = "teid"
	FieldDevice     = "device"
	FieldTunnelNode = "tunnel_node"
)

var (
	log       *logrus.Logger
	MainLog   *logrus.Entry
	CfgLog    *logrus.Entry
	RingLog   *logrus.Entry
	RouteLog  *logrus.Entry
	FwderLog  *logrus.Entry
	GtpuLog   *logrus.Entry
	CtrlLog   *logrus.Entry
	UeMetaLog *logrus.Entry
)

func init() {
	log = logrus.New()
	log.SetReportCaller(false)

	log.Formatter = &formatter.Formatter{
		TimestampFormat: time.RFC3339,
		TrimMessages:    true,
		NoFieldsSpace:   true,
		HideKeys:        true,
		FieldsOrder: []string{
			"component",
			FieldCategory,
			FieldSwitch,
			FieldDevice,
			FieldTunnelNode,
			FieldTeid,
		},
	}

	MainLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "Main"})
	CfgLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "CFG"})
	RingLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "Ring"})
	RouteLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "Route"})
	FwderLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "FWD"})
	GtpuLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "GTPU"})
	CtrlLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "CTRL"})
	UeMetaLog = log.WithFields(logrus.Fields{"component": "BH", FieldCategory: "UE"})
}

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetReportCaller(enable bool) {
	log.SetReportCaller(enable)
}

// ParseAndSetLevel sets the level from its textual form and falls back to
// info when the name is not known.
func ParseAndSetLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		MainLog.Warnf("Log level [%s] is invalid, set to [info] level", name)
		level = logrus.InfoLevel
	}
	SetLogLevel(level)
}
