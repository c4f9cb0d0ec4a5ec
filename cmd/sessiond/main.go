// Command sessiond runs the session-multiplexing server: lease-guarded
// connector sessions over a shared store, restored automatically after
// crashes and redeploys.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
