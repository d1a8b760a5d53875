// Package virtioid is the static device-class identification table of
// §4.5, used only for human diagnostics (log lines, dumps) — nothing in
// the transport ever branches on a class ID.
package virtioid

// Device-class IDs. The legacy/1.x device ID space; values follow the
// virtio specification's "Device Types" table. Expanded beyond the
// spec's example list to the classes original_source/open-amp's
// virtio_ids.h names, since a diagnostic table is cheap to make
// complete.
const (
	Network  = 1
	Block    = 2
	Console  = 3
	Entropy  = 4
	Balloon  = 5
	IOMemory = 6
	RPMsg    = 7
	SCSI     = 8
	// P9 is the "9P" transport class; "9P" is not a valid Go identifier,
	// hence the P-prefixed name.
	P9 = 9
)

const (
	Mac80211Wlan   = 10
	RPMsgSerial    = 11
	CAIF           = 12
	Memballoon     = 13
	GPU            = 16
	Timer          = 17
	Input          = 18
	VSock          = 19
	Crypto         = 20
	SignalDist     = 21
	Pstore         = 22
	IOMMU          = 23
	Memory         = 24
	Sound          = 25
	FileSystem     = 26
	PMem           = 27
	RPMB           = 28
	Mac80211Hwsim  = 29
	VideoEncoder   = 30
	VideoDecoder   = 31
	SCMI           = 32
	NitroSecModule = 33
	I2CAdapter     = 34
	Watchdog       = 35
	CAN            = 36
	DMABuf         = 37
	Parameter      = 38
	AudioPolicy    = 39
	Bluetooth      = 40
	GPIO           = 41
	RDMA           = 42
)

var names = map[uint32]string{
	Network:        "network",
	Block:          "block",
	Console:        "console",
	Entropy:        "entropy",
	Balloon:        "balloon",
	IOMemory:       "iomemory",
	RPMsg:          "rpmsg",
	SCSI:           "scsi",
	P9:             "9p",
	Mac80211Wlan:   "mac80211-wlan",
	RPMsgSerial:    "rpmsg-serial",
	CAIF:           "caif",
	Memballoon:     "memballoon",
	GPU:            "gpu",
	Timer:          "timer",
	Input:          "input",
	VSock:          "vsock",
	Crypto:         "crypto",
	SignalDist:     "signal-distribution",
	Pstore:         "pstore",
	IOMMU:          "iommu",
	Memory:         "memory",
	Sound:          "sound",
	FileSystem:     "filesystem",
	PMem:           "pmem",
	RPMB:           "rpmb",
	Mac80211Hwsim:  "mac80211-hwsim",
	VideoEncoder:   "video-encoder",
	VideoDecoder:   "video-decoder",
	SCMI:           "scmi",
	NitroSecModule: "nitro-sec-module",
	I2CAdapter:     "i2c-adapter",
	Watchdog:       "watchdog",
	CAN:            "can",
	DMABuf:         "dma-buf",
	Parameter:      "parameter-server",
	AudioPolicy:    "audio-policy",
	Bluetooth:      "bluetooth",
	GPIO:           "gpio",
	RDMA:           "rdma",
}

// Name returns the human-readable class name for id, or "unknown" if the
// table has no entry.
func Name(id uint32) string {
	if n, ok := names[id]; ok {
		return n
	}

	return "unknown"
}
