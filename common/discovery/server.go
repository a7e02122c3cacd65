package discovery

import (
	"encoding/json"
	"fmt"
)

// Server etcd 中登记的实例信息
type Server struct {
	Domain  string  `json:"domain"`
	Addr    string  `json:"addr"`
	Weight  int     `json:"weight"`
	Version string  `json:"version"`
	Ttl     int     `json:"ttl"`
	NodeID  string  `json:"nodeID"`
	Load    float64 `json:"load"`
}

func (s Server) buildKey() string {
	return fmt.Sprintf("%s/%s", s.Domain, s.NodeID)
}

func ParseValue(value []byte) (Server, error) {
	var server Server
	if err := json.Unmarshal(value, &server); err != nil {
		return server, err
	}
	return server, nil
}
