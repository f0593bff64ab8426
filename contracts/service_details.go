package contracts

import (
	"net"
	"os"

	"github.com/google/uuid"
)

// ServiceDetails identifies the service instance that produced a message
type ServiceDetails struct {
	Name       string `json:"name" msgpack:"name"`
	Version    string `json:"version" msgpack:"version"`
	InstanceID string `json:"instanceId" msgpack:"instanceId"`
	Hostname   string `json:"hostname" msgpack:"hostname"`
	IP         string `json:"ip,omitempty" msgpack:"ip,omitempty"`
	PID        int    `json:"pid" msgpack:"pid"`
}

// NewServiceDetails fills in host information. An empty instanceID gets a generated one.
func NewServiceDetails(name, version, instanceID string) ServiceDetails {
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return ServiceDetails{
		Name:       name,
		Version:    version,
		InstanceID: instanceID,
		Hostname:   hostname,
		IP:         lookupIP(hostname),
		PID:        os.Getpid(),
	}
}

func lookupIP(hostname string) string {
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}
