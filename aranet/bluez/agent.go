package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

const (
	agentPath       = dbus.ObjectPath("/com/github/alepar/aranet/agent")
	agentInterface  = "org.bluez.Agent1"
	agentManager    = "org.bluez.AgentManager1"
	agentCapability = "KeyboardOnly"

	// bluetoothd gives up on an agent call after about 25s
	pinTimeout = 25 * time.Second
)

// Agent answers bluetoothd's pairing callbacks. Passkey requests are served
// synchronously from a PINSource while bluetoothd waits.
type Agent struct {
	bus  *dbus.Conn
	pins aranet.PINSource
}

func RegisterAgent(bus *dbus.Conn, pins aranet.PINSource) (*Agent, error) {
	ag := &Agent{bus: bus, pins: pins}
	if err := bus.Export(ag, agentPath, agentInterface); err != nil {
		return nil, errors.Wrap(err, "failed to export pairing agent")
	}
	mgr := bus.Object(bluezBus, "/org/bluez")
	if call := mgr.Call(agentManager+".RegisterAgent", 0, agentPath, agentCapability); call.Err != nil {
		return nil, errors.Wrap(call.Err, "failed to register pairing agent")
	}
	if call := mgr.Call(agentManager+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		return nil, errors.Wrap(call.Err, "failed to make pairing agent the default")
	}
	log.Debugf("pairing agent registered at %s", agentPath)
	return ag, nil
}

func (ag *Agent) Unregister() error {
	mgr := ag.bus.Object(bluezBus, "/org/bluez")
	if call := mgr.Call(agentManager+".UnregisterAgent", 0, agentPath); call.Err != nil {
		return errors.Wrap(call.Err, "failed to unregister pairing agent")
	}
	return ag.bus.Export(nil, agentPath, agentInterface)
}

func (ag *Agent) passkey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	addr := addressFromPath(device)
	log.WithField("address", addr).Infof("device requests pairing passkey")

	ctx, cancel := context.WithTimeout(context.Background(), pinTimeout)
	defer cancel()
	pin, err := ag.pins.PIN(ctx, addr)
	if err != nil {
		log.WithField("address", addr).Warnf("no passkey for pairing: %s", err)
		return 0, rejected(err.Error())
	}
	return pin, nil
}

func (ag *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	return ag.passkey(device)
}

func (ag *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	pin, derr := ag.passkey(device)
	if derr != nil {
		return "", derr
	}
	return fmt.Sprintf("%06d", pin), nil
}

func (ag *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	return nil
}

func (ag *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	return nil
}

func (ag *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return nil
}

func (ag *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return nil
}

func (ag *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	return nil
}

func (ag *Agent) Cancel() *dbus.Error {
	log.Infof("pairing request cancelled by bluetoothd")
	return nil
}

func (ag *Agent) Release() *dbus.Error {
	return nil
}

func rejected(msg string) *dbus.Error {
	return dbus.NewError("org.bluez.Error.Rejected", []interface{}{msg})
}
