package session

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// os types reported in the handshake
const (
	OsDebian           = "Debian"
	OsWindows          = "Windows"
	OsCrealityK1       = "CrealityK1"
	OsCrealitySonicPad = "CrealitySonicPad"
	OsCrealityK2       = "CrealityK2"
)

const openwrtRelease = "/etc/openwrt_release"

// DetectOsType identifies the device family, which the relay uses to pick
// compatible features. Anything unrecognized is reported as Debian.
func DetectOsType(ctx context.Context) string {
	if runtime.GOOS == "windows" {
		return OsWindows
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		if strings.EqualFold(info.Platform, "buildroot") {
			return OsCrealityK1
		}
	}
	if data, err := os.ReadFile(openwrtRelease); err == nil {
		return openwrtType(string(data))
	}
	return OsDebian
}

// openwrtType tells apart the creality devices built on openwrt. Both
// mention tina, so sonic is checked first.
func openwrtType(release string) string {
	release = strings.ToLower(release)
	switch {
	case strings.Contains(release, "sonic"):
		return OsCrealitySonicPad
	case strings.Contains(release, "tina"):
		return OsCrealityK2
	}
	return OsDebian
}
