// vramwrite paints a string onto the VGA text-mode window through the
// vgatext library. Handy for checking that the device is exported and
// writable.
package main

import (
	"flag"
	"fmt"
	"os"

	"vram9/servers/vgatext"
)

func main() {
	dev := flag.String("dev", vgatext.DefaultDevicePath, "device node to map")
	row := flag.Int("row", 10, "row of the first cell")
	col := flag.Int("col", 10, "column of the first cell")
	text := flag.String("text", "Hello from /dev/vram!", "text to write")
	attr := flag.Uint("attr", 0x1F, "attribute byte (default white on blue)")
	flag.Parse()

	d := vgatext.NewDisplay()
	if !d.Initialize(*dev, 0, 0) {
		fmt.Fprintf(os.Stderr, "vramwrite: device %s unavailable\n", *dev)
		os.Exit(1)
	}
	defer d.Shutdown()

	n := d.WriteString(*row, *col, *text, byte(*attr))
	if n == 0 {
		fmt.Fprintf(os.Stderr, "vramwrite: cell (%d, %d) is off the grid\n", *row, *col)
		os.Exit(1)
	}
	if n < len(*text) {
		fmt.Printf("wrote %d of %d cells (run clipped at column %d)\n", n, len(*text), vgatext.Cols)
		return
	}
	fmt.Printf("wrote %d cells at (%d, %d)\n", n, *row, *col)
}
