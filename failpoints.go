package boltkv

import gofail "github.com/openkvlab/gofail/runtime"

// Failpoints mark spots in the write path where a gofail-enabled binary
// can inject a delay, panic, or error for fault-injection testing. In a
// normal build Acquire never succeeds, so these calls cost one map
// lookup and nothing else.
var (
	fpBeforeMmap         = gofail.NewFailpoint("beforeMmap")
	fpBeforeWritePage    = gofail.NewFailpoint("beforeWritePage")
	fpBeforeWriteMetaPage = gofail.NewFailpoint("beforeWriteMetaPage")
)

func failpointBeforeMmap() {
	if _, err := fpBeforeMmap.Acquire(); err == nil {
		defer fpBeforeMmap.Release()
	}
}

func failpointBeforeWritePage() {
	if _, err := fpBeforeWritePage.Acquire(); err == nil {
		defer fpBeforeWritePage.Release()
	}
}

func failpointBeforeWriteMetaPage() {
	if _, err := fpBeforeWriteMetaPage.Acquire(); err == nil {
		defer fpBeforeWriteMetaPage.Release()
	}
}
