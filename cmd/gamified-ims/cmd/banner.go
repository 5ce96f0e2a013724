package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ____                 _  __ _          _   ___ __  __ ____
  / ___| __ _ _ __ ___ (_)/ _(_) ___  __| | |_ _|  \/  / ___|
 | |  _ / _` + "`" + ` | '_ ` + "`" + ` _ \| | |_| |/ _ \/ _` + "`" + ` |  | || |\/| \___ \
 | |_| | (_| | | | | | | |  _| |  __/ (_| |  | || |  | |___) |
  \____|\__,_|_| |_| |_|_|_| |_|\___|\__,_| |___|_|  |_|____/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Security Awareness Training - Version %s\x1b[0m\n\n", Version)
}
