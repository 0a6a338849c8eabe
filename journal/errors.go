package journal

import "fmt"

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/cudagraphtrees/journal."+typeMethod+": "+format, a...)
}
