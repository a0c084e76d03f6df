// Command spectrometer drives a TSL1401CL linear CCD spectrometer over a
// serial port: it serves a local control and live spectrum UI, lists ports
// and runs headless captures.
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
