package config

import (
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// kdlConfig mirrors the KDL file structure.
//
//	daemon {
//	    host "localhost"
//	    port 7777
//	    ws-port 7778
//	    socket "/run/user/1000/taskbridge/extension.sock"
//	    max-clients 100
//	}
//	dedup {
//	    notification-ms 3000
//	    question-ms 5000
//	}
type kdlConfig struct {
	Daemon kdlDaemon `kdl:"daemon"`
	Dedup  kdlDedup  `kdl:"dedup"`
}

type kdlDaemon struct {
	Host         string `kdl:"host"`
	Port         int    `kdl:"port"`
	WSPort       int    `kdl:"ws-port"`
	Socket       string `kdl:"socket"`
	ListenSocket string `kdl:"listen-socket"`
	MaxClients   int    `kdl:"max-clients"`
}

type kdlDedup struct {
	NotificationMs int `kdl:"notification-ms"`
	QuestionMs     int `kdl:"question-ms"`
}

// applyKDL overlays values from KDL data onto cfg. Unset fields keep their
// current values.
func applyKDL(cfg *Config, data []byte) error {
	var parsed kdlConfig
	if err := kdl.Unmarshal(data, &parsed); err != nil {
		return err
	}

	if parsed.Daemon.Host != "" {
		cfg.Host = parsed.Daemon.Host
	}
	if parsed.Daemon.Port > 0 {
		cfg.Port = parsed.Daemon.Port
	}
	if parsed.Daemon.WSPort > 0 {
		cfg.WSPort = parsed.Daemon.WSPort
	}
	if parsed.Daemon.Socket != "" {
		cfg.SocketPath = parsed.Daemon.Socket
	}
	if parsed.Daemon.ListenSocket != "" {
		cfg.ListenSocket = parsed.Daemon.ListenSocket
	}
	if parsed.Daemon.MaxClients > 0 {
		cfg.MaxClients = parsed.Daemon.MaxClients
	}
	if parsed.Dedup.NotificationMs > 0 {
		cfg.NotificationCooldown = time.Duration(parsed.Dedup.NotificationMs) * time.Millisecond
	}
	if parsed.Dedup.QuestionMs > 0 {
		cfg.QuestionCooldown = time.Duration(parsed.Dedup.QuestionMs) * time.Millisecond
	}
	return nil
}
