package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neakasa/neakasa-go/pkg/account"
)

// Device property identifiers.
const (
	PropertyBinFullWaitReset   = "binFullWaitReset"
	PropertySand               = "Sand"
	PropertyBucketStatus       = "bucketStatus"
	PropertyRoomOfBin          = "room_of_bin"
	PropertyCatLeft            = "catLeft"
	PropertyNetworkStatus      = "NetWorkStatus"
	PropertyYoungCatMode       = "youngCatMode"
	PropertyChildLock          = "childLockOnOff"
	PropertyAutoBury           = "autoBury"
	PropertyAutoLevel          = "autoLevel"
	PropertySilentMode         = "silentMode"
	PropertyAutoForceInit      = "autoForceInit"
	PropertyUninterruptedRange = "bIntrptRangeDet"
)

// SwitchProperties lists the writable on/off properties, in display order.
var SwitchProperties = []string{
	PropertyYoungCatMode,
	PropertyChildLock,
	PropertyAutoBury,
	PropertyAutoLevel,
	PropertySilentMode,
	PropertyAutoForceInit,
	PropertyUninterruptedRange,
}

// ErrUnknownProperty is returned when writing a property that isn't a switch.
var ErrUnknownProperty = errors.New("unknown or read-only property")

// Bucket states.
const (
	BucketIdle     = 0
	BucketCleaning = 2
	BucketLeveling = 3
)

// Snapshot is the state of a litter box at the end of one poll.
//
// Snapshots are values: modify them with With, which returns a copy.
type Snapshot struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`

	BinFullWaitReset bool  `json:"binFullWaitReset"`
	SandLevelState   int   `json:"sandLevelState"`
	SandLevelPercent int   `json:"sandLevelPercent"`
	BucketStatus     int   `json:"bucketStatus"`
	RoomOfBin        int   `json:"roomOfBin"`
	StayTime         int   `json:"stayTime"`
	LastUse          int64 `json:"lastUse"`

	YoungCatMode       bool `json:"youngCatMode"`
	ChildLock          bool `json:"childLockOnOff"`
	AutoBury           bool `json:"autoBury"`
	AutoLevel          bool `json:"autoLevel"`
	SilentMode         bool `json:"silentMode"`
	AutoForceInit      bool `json:"autoForceInit"`
	UninterruptedRange bool `json:"bIntrptRangeDet"`
	WifiRSSI           int  `json:"wifiRssi"`

	Cats    []account.Cat    `json:"cats"`
	Records []account.Record `json:"records"`

	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Snapshot) clone() Snapshot {
	s.Cats = append([]account.Cat(nil), s.Cats...)
	s.Records = append([]account.Record(nil), s.Records...)
	return s
}

// With returns a copy of s with the switch property key set to value (0 or 1).
func (s Snapshot) With(key string, value int) (Snapshot, error) {
	next := s.clone()
	on := value == 1
	switch key {
	case PropertyYoungCatMode:
		next.YoungCatMode = on
	case PropertyChildLock:
		next.ChildLock = on
	case PropertyAutoBury:
		next.AutoBury = on
	case PropertyAutoLevel:
		next.AutoLevel = on
	case PropertySilentMode:
		next.SilentMode = on
	case PropertyAutoForceInit:
		next.AutoForceInit = on
	case PropertyUninterruptedRange:
		next.UninterruptedRange = on
	default:
		return s, fmt.Errorf("%w: %s", ErrUnknownProperty, key)
	}
	return next, nil
}

// Switch returns the value of the switch property key.
func (s Snapshot) Switch(key string) (bool, error) {
	switch key {
	case PropertyYoungCatMode:
		return s.YoungCatMode, nil
	case PropertyChildLock:
		return s.ChildLock, nil
	case PropertyAutoBury:
		return s.AutoBury, nil
	case PropertyAutoLevel:
		return s.AutoLevel, nil
	case PropertySilentMode:
		return s.SilentMode, nil
	case PropertyAutoForceInit:
		return s.AutoForceInit, nil
	case PropertyUninterruptedRange:
		return s.UninterruptedRange, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownProperty, key)
}

// IsSwitch returns true if key names a writable switch property.
func IsSwitch(key string) bool {
	for _, k := range SwitchProperties {
		if k == key {
			return true
		}
	}
	return false
}

type sandValue struct {
	Percent *int `json:"percent"`
	Level   *int `json:"level"`
}

type catLeftValue struct {
	StayTime int `json:"stayTime"`
}

type networkValue struct {
	RSSI int `json:"WiFi_RSSI"`
}

func decode(properties account.Properties, key string, out interface{}) error {
	property, ok := properties[key]
	if !ok {
		return fmt.Errorf("missing property %s", key)
	}
	if err := json.Unmarshal(property.Value, out); err != nil {
		return fmt.Errorf("malformed property %s: %w", key, err)
	}
	return nil
}

func decodeInt(properties account.Properties, key string) (int, error) {
	var value int
	err := decode(properties, key, &value)
	return value, err
}

// lastUse returns the time of the last visit reported by the device.
func lastUse(properties account.Properties) (int64, error) {
	property, ok := properties[PropertyCatLeft]
	if !ok {
		return 0, fmt.Errorf("missing property %s", PropertyCatLeft)
	}
	return property.Time, nil
}

// assemble builds a Snapshot from raw properties and records. Switch and network properties are
// optional; the remaining properties are required.
func assemble(deviceID, name string, properties account.Properties, records account.Records, now time.Time) (Snapshot, error) {
	s := Snapshot{DeviceID: deviceID, Name: name, UpdatedAt: now}
	var err error

	var binFull int
	if binFull, err = decodeInt(properties, PropertyBinFullWaitReset); err != nil {
		return s, err
	}
	s.BinFullWaitReset = binFull == 1

	var sand sandValue
	if err = decode(properties, PropertySand, &sand); err != nil {
		return s, err
	}
	if sand.Percent == nil || sand.Level == nil {
		return s, fmt.Errorf("incomplete property %s", PropertySand)
	}
	s.SandLevelPercent = *sand.Percent
	s.SandLevelState = *sand.Level

	if s.BucketStatus, err = decodeInt(properties, PropertyBucketStatus); err != nil {
		return s, err
	}
	if s.RoomOfBin, err = decodeInt(properties, PropertyRoomOfBin); err != nil {
		return s, err
	}

	var catLeft catLeftValue
	if err = decode(properties, PropertyCatLeft, &catLeft); err != nil {
		return s, err
	}
	s.StayTime = catLeft.StayTime
	s.LastUse = properties[PropertyCatLeft].Time

	for _, key := range SwitchProperties {
		if _, ok := properties[key]; !ok {
			continue
		}
		value, err := decodeInt(properties, key)
		if err != nil {
			return s, err
		}
		s, _ = s.With(key, value)
	}
	if _, ok := properties[PropertyNetworkStatus]; ok {
		var network networkValue
		if err = decode(properties, PropertyNetworkStatus, &network); err != nil {
			return s, err
		}
		s.WifiRSSI = network.RSSI
	}

	s.Cats = append([]account.Cat(nil), records.Cats...)
	s.Records = append([]account.Record(nil), records.Records...)
	return s, nil
}
