// Package hublog configures the seelog logger shared by the hub's internal
// components. The configuration mirrors BOSSWAVE's own logger setup
// (a console splitter, a compact leveled format) but drops
// BOSSWAVE's os.Exit(1)-on-bad-config panic, since a library must not
// terminate its host process.
package hublog

import (
	"sync"

	log "github.com/cihub/seelog"
)

const defaultConfig = `
<seelog>
    <outputs>
        <splitter formatid="common">
            <console/>
        </splitter>
    </outputs>
    <formats>
        <format id="common" format="[%LEV] %Time %Date %File:%Line %Msg%n"/>
    </formats>
</seelog>`

var once sync.Once

// Logger lazily configures the package-wide seelog logger with
// defaultConfig on first use, then returns. The first call (made by hub.New)
// replaces whatever seelog logger is current at that moment, including one
// an embedder installed earlier; later calls change nothing.
func Logger() {
	once.Do(func() {
		l, err := log.LoggerFromConfigAsString(defaultConfig)
		if err != nil {
			// Fall back to seelog's own built-in default rather than
			// failing the embedding process.
			return
		}
		log.ReplaceLogger(l)
	})
}
