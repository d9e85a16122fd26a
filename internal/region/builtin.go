package region

import (
	"fmt"
	"strings"

	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

var (
	sf7to12 = []int{7, 8, 9, 10, 11, 12}
	sf7to10 = []int{7, 8, 9, 10}
)

// Builtin returns a copy of a built-in region plan, for region overrides.
func Builtin(region string) (*Plan, error) {
	var p *Plan
	switch strings.ToUpper(region) {
	case "EU868":
		p = eu868()
	case "US915":
		p = us915()
	case "AU915":
		p = au915()
	case "AS923", "AS923_1", "AS923-1":
		p = as923()
	case "CN470", "CN470_510":
		p = cn470()
	default:
		return nil, fmt.Errorf("unknown region %q", region)
	}
	return p, nil
}

// eu868 EU 868MHz: 1% 占空比, 869.525MHz 允许 27dBm
func eu868() *Plan {
	p := &Plan{
		Region:    "EU868",
		MaxEIRP:   16,
		DutyCycle: DutyCycle{Policy: PolicyDuty, Limit: 0.01, Period: 3600000},
		Beacon: BeaconParams{
			DataRate: lorawan.DataRate{SpreadFactor: 9, Bandwidth: 125},
			Power:    14,
		},
	}
	for _, f := range []uint32{868100000, 868300000, 868500000, 867100000, 867300000, 867500000, 867700000, 867900000} {
		p.Channels = append(p.Channels, Channel{Frequency: f, Bandwidth: 125, SpreadingFactors: sf7to12})
	}
	// RX2
	p.Channels = append(p.Channels, Channel{Frequency: 869525000, Bandwidth: 125, SpreadingFactors: sf7to12, MaxEIRP: 27})
	p.Beacon.Channels = []uint32{868100000, 868300000, 868500000}
	return p
}

// us915 US 915MHz: 子频段2上行 + 8个500kHz下行信道, FCC 驻留时间 400ms/20s
func us915() *Plan {
	p := &Plan{
		Region:    "US915",
		MaxEIRP:   36,
		DutyCycle: DutyCycle{Policy: PolicyDwell, Limit: 400, Period: 20000},
		Beacon: BeaconParams{
			DataRate: lorawan.DataRate{SpreadFactor: 8, Bandwidth: 125},
			Power:    27,
		},
	}
	// 子频段2: 903.9 - 905.3 MHz
	for i := 0; i < 8; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        903900000 + uint32(i)*200000,
			Bandwidth:        125,
			SpreadingFactors: sf7to10,
		})
	}
	// 下行: 923.3 + 0.6*n MHz
	for i := 0; i < 8; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        923300000 + uint32(i)*600000,
			Bandwidth:        500,
			SpreadingFactors: sf7to12,
		})
	}
	return p
}

func au915() *Plan {
	p := &Plan{
		Region:    "AU915",
		MaxEIRP:   30,
		DutyCycle: DutyCycle{Policy: PolicyDwell, Limit: 400, Period: 20000},
		Beacon: BeaconParams{
			DataRate: lorawan.DataRate{SpreadFactor: 8, Bandwidth: 125},
			Power:    27,
		},
	}
	// 子频段2: 917.5 - 918.9 MHz
	for i := 0; i < 8; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        917500000 + uint32(i)*200000,
			Bandwidth:        125,
			SpreadingFactors: sf7to12,
		})
	}
	for i := 0; i < 8; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        923300000 + uint32(i)*600000,
			Bandwidth:        500,
			SpreadingFactors: sf7to12,
		})
	}
	return p
}

func as923() *Plan {
	p := &Plan{
		Region:    "AS923_1",
		MaxEIRP:   16,
		DutyCycle: DutyCycle{Policy: PolicyDuty, Limit: 0.01, Period: 3600000},
		Beacon: BeaconParams{
			DataRate: lorawan.DataRate{SpreadFactor: 9, Bandwidth: 125},
			Power:    14,
		},
	}
	for i := 0; i < 8; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        923200000 + uint32(i)*200000,
			Bandwidth:        125,
			SpreadingFactors: sf7to12,
		})
	}
	return p
}

// cn470 CN470 标准FDD: 上行 470.3MHz 起 16 个信道, 下行 500.3MHz 起 48 个信道
func cn470() *Plan {
	p := &Plan{
		Region:    "CN470",
		MaxEIRP:   19,
		DutyCycle: DutyCycle{Policy: PolicyDuty, Limit: 0.01, Period: 3600000},
		Beacon: BeaconParams{
			DataRate: lorawan.DataRate{SpreadFactor: 9, Bandwidth: 125},
			Power:    17,
		},
	}
	baseFreq := uint32(470300000) // 470.3 MHz
	for i := 0; i < 16; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        baseFreq + uint32(i)*200000, // 200kHz 间隔
			Bandwidth:        125,
			SpreadingFactors: sf7to12,
		})
	}
	for i := 0; i < 48; i++ {
		p.Channels = append(p.Channels, Channel{
			Frequency:        500300000 + uint32(i)*200000,
			Bandwidth:        125,
			SpreadingFactors: sf7to12,
		})
	}
	p.Beacon.Channels = []uint32{baseFreq, baseFreq + 200000, baseFreq + 400000, baseFreq + 600000}
	return p
}
