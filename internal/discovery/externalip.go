package discovery

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

// ExternalAddr asks each STUN server in turn for our public UDP address and
// returns the first answer
func ExternalAddr(servers []string, timeout time.Duration) (string, error) {
	if len(servers) == 0 {
		return "", errors.New("discovery: no STUN servers configured")
	}
	var errs []error
	for _, server := range servers {
		addr, err := queryBinding(server, timeout)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
	}
	return "", fmt.Errorf("discovery: stun: %w", errors.Join(errs...))
}

func queryBinding(server string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("udp", server, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	c, err := stun.NewClient(conn)
	if err != nil {
		return "", err
	}
	defer c.Close()

	var (
		xorAddr stun.XORMappedAddress
		resErr  error
	)
	if err := c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
		if res.Error != nil {
			resErr = res.Error
			return
		}
		resErr = xorAddr.GetFrom(res.Message)
	}); err != nil {
		return "", err
	}
	if resErr != nil {
		return "", resErr
	}
	return net.JoinHostPort(xorAddr.IP.String(), fmt.Sprint(xorAddr.Port)), nil
}
