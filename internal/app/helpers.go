package app

import (
	"log"
	"strings"
)

// normalizeLocalAddr keeps the control API on loopback unless a concrete
// interface address was configured.
func normalizeLocalAddr(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func logBanner(peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("goopbeat peer scope")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process represents ONE peer.")
	log.Println(" The peer folder is the peer's boundary.")
	log.Println("────────────────────────────────────────")
}
