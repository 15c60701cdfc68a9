package main

import "github.com/rpkibox/mftpki/api/schemas"

// FilterDuplicates keeps the first manifest seen for each path. The
// same publication point listed twice, or two points sharing a
// repository, would otherwise produce duplicate rows.
func FilterDuplicates(mftList []*schemas.OutputManifest) []*schemas.OutputManifest {
	mftListNoDup := make([]*schemas.OutputManifest, 0)
	hmap := make(map[string]bool)
	for _, mft := range mftList {
		_, present := hmap[mft.Path]
		if !present {
			hmap[mft.Path] = true
			mftListNoDup = append(mftListNoDup, mft)
		}
	}
	return mftListNoDup
}

// FilterStale drops manifests past their next update time.
func FilterStale(mftList []*schemas.OutputManifest) []*schemas.OutputManifest {
	kept := make([]*schemas.OutputManifest, 0)
	for _, mft := range mftList {
		if mft.Stale {
			continue
		}
		kept = append(kept, mft)
	}
	return kept
}
