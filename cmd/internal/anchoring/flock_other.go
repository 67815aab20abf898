//go:build !unix

package anchoring

import "os"

const flockSupported = false

func lockFile(*os.File) error { return nil }

func rlockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
