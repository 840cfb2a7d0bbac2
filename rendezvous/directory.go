// Package rendezvous maps instance ids to Unix socket endpoints inside a shared base directory.
//
// Each running instance owns a socket named by its process id and, optionally, a symlink alias named by a
// human-chosen id that points at that socket. Discovery without an id looks for the single socket whose
// process is still alive.
package rendezvous

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("no running instance found")
	ErrAmbiguous = errors.New("more than one running instance")
	ErrInvalidID = errors.New("invalid instance id")
)

// GatewaySuffix is appended to an endpoint path to name the instance's HTTP gateway socket.
const GatewaySuffix = ".http"

// Endpoint is the connectable address of one instance.
type Endpoint struct {
	// ID is the name the endpoint was registered or resolved under.
	ID string
	// PID is the process id keying the socket, or 0 when resolved through an alias.
	PID int
	// Path is the socket path, or the alias path when resolved through an alias.
	Path string
	// Alias is the path of the published alias. It is only set by Register.
	Alias string
}

// GatewayPath returns the path of the HTTP gateway socket belonging to the endpoint.
func (e Endpoint) GatewayPath() (string, error) {
	path, err := filepath.EvalSymlinks(e.Path)
	if err != nil {
		return "", fmt.Errorf("resolving endpoint %s: %w", e.Path, err)
	}
	return path + GatewaySuffix, nil
}

// Instance is a live instance found by List.
type Instance struct {
	PID     int
	Path    string
	Aliases []string
}

type Directory struct {
	Base string
	Log  *zap.SugaredLogger
}

func (d *Directory) logger() *zap.SugaredLogger {
	if d.Log == nil {
		return zap.NewNop().Sugar()
	}
	return d.Log
}

// Prepare creates the base directory if it doesn't exist yet.
func (d *Directory) Prepare() error {
	if err := os.MkdirAll(d.Base, 0o700); err != nil {
		return fmt.Errorf("creating rendezvous directory %s: %w", d.Base, err)
	}
	return nil
}

// ValidateID checks that id can be used as a single directory entry name.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsAny(id, "/\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidID, id)
	}
	return nil
}

// Register binds the socket for pid and publishes id as an alias for it.
// An empty id defaults to the pid. A stale entry at the socket path is replaced.
// Failing to publish the alias is logged and otherwise ignored, since the pid entry is still usable.
func (d *Directory) Register(pid int, id string) (Endpoint, *net.UnixListener, error) {
	name := strconv.Itoa(pid)
	if id == "" {
		id = name
	}
	if err := ValidateID(id); err != nil {
		return Endpoint{}, nil, err
	}
	if err := d.Prepare(); err != nil {
		return Endpoint{}, nil, err
	}

	path := filepath.Join(d.Base, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Endpoint{}, nil, fmt.Errorf("removing stale endpoint %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return Endpoint{}, nil, fmt.Errorf("binding %s: %w", path, err)
	}
	// Unregister owns removal of the entries.
	ln.SetUnlinkOnClose(false)

	ep := Endpoint{ID: id, PID: pid, Path: path}
	if id != name {
		alias := filepath.Join(d.Base, id)
		if err := publishAlias(alias, name); err != nil {
			d.logger().Warnf("could not publish alias %q for %s: %s", id, path, err)
		} else {
			ep.Alias = alias
		}
	}
	d.logger().Debugw("registered endpoint", "ID", id, "Path", path, "Alias", ep.Alias)
	return ep, ln, nil
}

func publishAlias(alias, target string) error {
	fi, err := os.Lstat(alias)
	switch {
	case err == nil && fi.Mode()&fs.ModeSymlink == 0:
		return fmt.Errorf("%s exists and is not an alias", alias)
	case err == nil:
		if err := os.Remove(alias); err != nil {
			return fmt.Errorf("removing previous alias: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	return os.Symlink(target, alias)
}

// Unregister removes the entries created by Register.
// The alias is only removed while it still points at ep, since another instance may have taken it over.
func (d *Directory) Unregister(ep Endpoint) error {
	var errs []error
	if ep.Alias != "" {
		target, err := os.Readlink(ep.Alias)
		switch {
		case err == nil && filepath.Base(target) == filepath.Base(ep.Path):
			if err := os.Remove(ep.Alias); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("removing alias: %w", err))
			}
		case err == nil:
			d.logger().Debugf("alias %s now points at %s, leaving it", ep.Alias, target)
		case !errors.Is(err, fs.ErrNotExist):
			errs = append(errs, fmt.Errorf("reading alias: %w", err))
		}
	}
	if err := os.Remove(ep.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("removing endpoint: %w", err))
	}
	return errors.Join(errs...)
}

// Resolve returns the endpoint for id.
// A non-empty id names a directory entry directly, which may be either the pid socket or an alias. Whether
// anything is listening there is only known when connecting.
// An empty id resolves to the single live instance, failing with ErrNotFound or ErrAmbiguous otherwise.
func (d *Directory) Resolve(id string) (Endpoint, error) {
	if id != "" {
		if err := ValidateID(id); err != nil {
			return Endpoint{}, err
		}
		ep := Endpoint{ID: id, Path: filepath.Join(d.Base, id)}
		if pid, err := strconv.Atoi(id); err == nil {
			ep.PID = pid
		}
		return ep, nil
	}

	instances, err := d.List()
	if err != nil {
		return Endpoint{}, err
	}
	switch len(instances) {
	case 0:
		return Endpoint{}, fmt.Errorf("%w in %s", ErrNotFound, d.Base)
	case 1:
		inst := instances[0]
		return Endpoint{ID: strconv.Itoa(inst.PID), PID: inst.PID, Path: inst.Path}, nil
	default:
		pids := make([]string, len(instances))
		for i, inst := range instances {
			pids[i] = strconv.Itoa(inst.PID)
		}
		return Endpoint{}, fmt.Errorf("%w in %s (pids %s), pass an id", ErrAmbiguous, d.Base, strings.Join(pids, ", "))
	}
}

// List returns the live instances in the directory, ordered by pid.
// A missing directory has no instances.
func (d *Directory) List() ([]Instance, error) {
	entries, err := os.ReadDir(d.Base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.Base, err)
	}

	byName := map[string]int{}
	var instances []Instance
	for _, e := range entries {
		if e.Type()&fs.ModeSocket == 0 {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		if !Alive(pid) {
			d.logger().Debugf("skipping stale endpoint %s, process %d is gone", e.Name(), pid)
			continue
		}
		byName[e.Name()] = len(instances)
		instances = append(instances, Instance{PID: pid, Path: filepath.Join(d.Base, e.Name())})
	}

	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		target, err := os.Readlink(filepath.Join(d.Base, e.Name()))
		if err != nil {
			continue
		}
		if i, ok := byName[filepath.Base(target)]; ok {
			instances[i].Aliases = append(instances[i].Aliases, e.Name())
		}
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].PID < instances[j].PID })
	return instances, nil
}
