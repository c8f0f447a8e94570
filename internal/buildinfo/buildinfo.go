// Package buildinfo carries version metadata injected via -ldflags.
package buildinfo

var (
    Service = "rutanav"
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

func Info() map[string]string {
    return map[string]string{
        "service": Service,
        "version": Version,
        "commit":  Commit,
        "builtAt": BuiltAt,
    }
}
