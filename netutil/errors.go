package netutil

import "fmt"

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/cudagraphtrees/netutil."+typeMethod+": "+format, a...)
}
