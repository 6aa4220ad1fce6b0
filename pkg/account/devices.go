package account

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	devicesEndpoint       = "api/v1/iot/devices"
	getPropertiesEndpoint = "api/v1/iot/properties/get"
	setPropertiesEndpoint = "api/v1/iot/properties/set"
	invokeServiceEndpoint = "api/v1/iot/service/invoke"
	recordsEndpoint       = "api/v1/records"
)

// Service identifiers understood by litter boxes.
const (
	ServiceCleanNow     = "cleanNow"
	ServiceSandLeveling = "sandLeveling"
)

// LitterBoxCategory is the category key of litter box devices.
const LitterBoxCategory = "CatLitter"

// Device describes a device bound to the account.
type Device struct {
	IotID       string `json:"iotId"`
	DeviceName  string `json:"deviceName"`
	ProductKey  string `json:"productKey"`
	CategoryKey string `json:"categoryKey"`
	NickName    string `json:"nickName,omitempty"`
	Status      int    `json:"status"`
}

// DisplayName returns the nickname of the device if it has one.
func (d Device) DisplayName() string {
	if d.NickName != "" {
		return d.NickName
	}
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return d.IotID
}

// Property is a single reported device property. Value is left encoded because its shape depends
// on the property.
type Property struct {
	Value json.RawMessage `json:"value"`
	Time  int64           `json:"time"`
}

// Properties maps property identifiers to their last reported values.
type Properties map[string]Property

// Cat is a cat profile registered with the account.
type Cat struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight,omitempty"`
}

// Record is a single litter box visit.
type Record struct {
	CatID     string  `json:"cat_id"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
	Weight    float64 `json:"weight,omitempty"`
}

// Records is the visit history of a device.
type Records struct {
	Cats    []Cat    `json:"cat_list"`
	Records []Record `json:"record_list"`
}

// FilterLitterBoxes returns the devices that are litter boxes.
func FilterLitterBoxes(devices []Device) []Device {
	var boxes []Device
	for _, d := range devices {
		if d.CategoryKey == LitterBoxCategory && d.IotID != "" {
			boxes = append(boxes, d)
		}
	}
	return boxes
}

func (a *Account) deviceRequest(ctx context.Context, endpoint string, payload, out interface{}) error {
	headers, err := a.authHeaders(true)
	if err != nil {
		return err
	}
	return a.send(ctx, endpoint, headers, payload, out)
}

// Devices lists every device bound to the account.
func (a *Account) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := a.deviceRequest(ctx, devicesEndpoint, struct{}{}, &devices); err != nil {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}
	return devices, nil
}

type iotRequest struct {
	IotID      string                 `json:"iotId"`
	Items      map[string]interface{} `json:"items,omitempty"`
	Identifier string                 `json:"identifier,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// Properties fetches the last reported properties of a device.
func (a *Account) Properties(ctx context.Context, iotID string) (Properties, error) {
	var properties Properties
	if err := a.deviceRequest(ctx, getPropertiesEndpoint, &iotRequest{IotID: iotID}, &properties); err != nil {
		return nil, fmt.Errorf("error fetching properties of %s: %w", iotID, err)
	}
	return properties, nil
}

// SetProperties writes one or more properties of a device.
func (a *Account) SetProperties(ctx context.Context, iotID string, items map[string]interface{}) error {
	if err := a.deviceRequest(ctx, setPropertiesEndpoint, &iotRequest{IotID: iotID, Items: items}, nil); err != nil {
		return fmt.Errorf("error setting properties of %s: %w", iotID, err)
	}
	return nil
}

// InvokeService calls a device service such as ServiceCleanNow.
func (a *Account) InvokeService(ctx context.Context, iotID, identifier string, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	request := &iotRequest{IotID: iotID, Identifier: identifier, Args: args}
	if err := a.deviceRequest(ctx, invokeServiceEndpoint, request, nil); err != nil {
		return fmt.Errorf("error invoking %s on %s: %w", identifier, iotID, err)
	}
	return nil
}

// CleanNow starts a cleaning cycle.
func (a *Account) CleanNow(ctx context.Context, iotID string) error {
	return a.InvokeService(ctx, iotID, ServiceCleanNow, nil)
}

// SandLeveling starts a leveling cycle.
func (a *Account) SandLeveling(ctx context.Context, iotID string) error {
	return a.InvokeService(ctx, iotID, ServiceSandLeveling, nil)
}

// Records fetches the cat profiles and visit history of a device. Note that records are keyed by
// device name, not iotId.
func (a *Account) Records(ctx context.Context, deviceName string) (Records, error) {
	var records Records
	request := struct {
		DeviceName string `json:"deviceName"`
	}{deviceName}
	if err := a.deviceRequest(ctx, recordsEndpoint, &request, &records); err != nil {
		return Records{}, fmt.Errorf("error fetching records of %s: %w", deviceName, err)
	}
	return records, nil
}
