package provisioning

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"tinygo.org/x/bluetooth"
)

// tinygoPeripheral serves the provisioning service through BlueZ.
type tinygoPeripheral struct {
	adapter *bluetooth.Adapter

	mu  sync.Mutex
	adv *bluetooth.Advertisement
}

func newPeripheral(adapterName string) (Peripheral, error) {
	adapter := bluetooth.DefaultAdapter
	if adapterName != "" && adapterName != "hci0" {
		adapter = bluetooth.NewAdapter(adapterName)
	}
	return &tinygoPeripheral{adapter: adapter}, nil
}

func (p *tinygoPeripheral) Enable() error {
	return p.adapter.Enable()
}

type characteristicNotifier struct {
	handle *bluetooth.Characteristic
}

// Notify sets the value; BlueZ emits the notification to subscribed clients.
func (c characteristicNotifier) Notify(value []byte) error {
	_, err := c.handle.Write(value)
	return err
}

func (p *tinygoPeripheral) AddService(spec ServiceSpec) (Notifier, error) {
	response := &bluetooth.Characteristic{}
	service := &bluetooth.Service{
		UUID: bluetooth.NewUUID(spec.UUID),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  bluetooth.NewUUID(spec.CommandUUID),
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					// the value buffer belongs to the adapter
					spec.OnWrite(bytes.Clone(value))
				},
			},
			{
				Handle: response,
				UUID:   bluetooth.NewUUID(spec.ResponseUUID),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
		},
	}
	if err := p.adapter.AddService(service); err != nil {
		return nil, errw.Wrap(err, "unable to add bluetooth service to adapter")
	}
	return characteristicNotifier{handle: response}, nil
}

func (p *tinygoPeripheral) Advertise(localName string, serviceUUID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	adv := p.adapter.DefaultAdvertisement()
	opts := bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.NewUUID(serviceUUID)},
	}
	if err := adv.Configure(opts); err != nil {
		return errw.Wrap(err, "failed to configure default advertisement")
	}
	if err := adv.Start(); err != nil {
		return errw.Wrap(err, "failed to start advertising")
	}
	p.adv = adv
	return nil
}

func (p *tinygoPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adv == nil {
		return nil
	}
	if err := p.adv.Stop(); err != nil {
		return errw.Wrap(err, "failed to stop BT advertising")
	}
	p.adv = nil
	return nil
}
