//go:build linux

package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	udisks2Service = "org.freedesktop.UDisks2"
	udisks2Path = "/org/freedesktop/UDisks2"
	udisks2BlockInterface = "org.freedesktop.UDisks2.Block"
	udisks2FSInterface = "org.freedesktop.UDisks2.Filesystem"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// NewMountDetector prefers D-Bus/UDisks2 and falls back to an inotify watch
// of the common mount directories on minimal systems without udisks.
func NewMountDetector() (MountDetector, error) {
	if dbusAvailable() {
		log.Debug().Msg("using dbus/udisks2 for mount detection")
		return &dbusMountDetector{
			events: make(chan MountEvent, 10),
			unmounts: make(chan string, 10),
			stopChan: make(chan struct{}),
			mountedDevs: make(map[string]MountEvent),
			pathMappings: make(map[dbus.ObjectPath]string),
		}, nil
	}

	log.Debug().Msg("dbus unavailable, falling back to inotify for mount detection")
	return newFsnotifyMountDetector()
}

func dbusAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			done <- false
			return
		}
		_ = conn.Close()
		done <- true
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}

type dbusMountDetector struct {
	conn *dbus.Conn
	events chan MountEvent
	unmounts chan string
	stopChan chan struct{}
	mountedDevs map[string]MountEvent
	pathMappings map[dbus.ObjectPath]string
	wg sync.WaitGroup
	mu sync.RWMutex
	stopOnce sync.Once
}

func (d *dbusMountDetector) Events() <-chan MountEvent { return d.events }
func (d *dbusMountDetector) Unmounts() <-chan string { return d.unmounts }

func (d *dbusMountDetector) Start() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system dbus: %w", err)
	}
	d.conn = conn

	if err := d.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(udisks2Path),
		dbus.WithMatchInterface(dbusObjectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		_ = d.conn.Close()
		return fmt.Errorf("failed to add match for InterfacesAdded: %w", err)
	}
	if err := d.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(udisks2Path),
		dbus.WithMatchInterface(dbusObjectManager),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		_ = d.conn.Close()
		return fmt.Errorf("failed to add match for InterfacesRemoved: %w", err)
	}

	signalChan := make(chan *dbus.Signal, 10)
	d.conn.Signal(signalChan)

	d.wg.Add(1)
	go d.listen(signalChan)
	return nil
}

func (d *dbusMountDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		d.wg.Wait()
		if d.conn != nil {
			_ = d.conn.Close()
		}
		close(d.events)
		close(d.unmounts)
	})
}

func (d *dbusMountDetector) listen(signalChan chan *dbus.Signal) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case signal := <-signalChan:
			if signal == nil {
				return
			}
			switch signal.Name {
			case dbusObjectManager + ".InterfacesAdded":
				d.handleAdded(signal)
			case dbusObjectManager + ".InterfacesRemoved":
				d.handleRemoved(signal)
			}
		}
	}
}

func (d *dbusMountDetector) handleAdded(signal *dbus.Signal) {
	if len(signal.Body) < 2 {
		return
	}
	objectPath, ok := signal.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	interfaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}

	blockProps, hasBlock := interfaces[udisks2BlockInterface]
	_, hasFS := interfaces[udisks2FSInterface]
	if !hasBlock || !hasFS {
		return
	}
	if v, ok := blockProps["HintSystem"]; ok {
		if isSystem, ok := v.Value().(bool); ok && isSystem {
			return
		}
	}
	if v, ok := blockProps["HintIgnore"]; ok {
		if ignore, ok := v.Value().(bool); ok && ignore {
			return
		}
	}

	mountPoints := d.mountPoints(objectPath)
	if len(mountPoints) == 0 {
		return
	}
	deviceID := deviceID(blockProps)
	if deviceID == "" {
		return
	}
	label := volumeLabel(blockProps)

	event := MountEvent{DeviceID: deviceID, MountPath: mountPoints[0], VolumeLabel: label}

	d.mu.Lock()
	d.mountedDevs[deviceID] = event
	d.pathMappings[objectPath] = deviceID
	d.mu.Unlock()

	select {
	case d.events <- event:
	case <-d.stopChan:
	}
}

func (d *dbusMountDetector) handleRemoved(signal *dbus.Signal) {
	if len(signal.Body) < 2 {
		return
	}
	objectPath, ok := signal.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	interfaces, ok := signal.Body[1].([]string)
	if !ok {
		return
	}
	hasFS := false
	for _, iface := range interfaces {
		if iface == udisks2FSInterface {
			hasFS = true
			break
		}
	}
	if !hasFS {
		return
	}

	d.mu.Lock()
	deviceID, exists := d.pathMappings[objectPath]
	if exists {
		delete(d.mountedDevs, deviceID)
		delete(d.pathMappings, objectPath)
	}
	d.mu.Unlock()

	if exists {
		select {
		case d.unmounts <- deviceID:
		case <-d.stopChan:
		}
	}
}

func (d *dbusMountDetector) mountPoints(objectPath dbus.ObjectPath) []string {
	obj := d.conn.Object(udisks2Service, objectPath)
	var raw [][]byte
	if err := obj.Call(udisks2FSInterface+".GetMountPoints", 0).Store(&raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, mp := range raw {
		if len(mp) > 0 {
			out = append(out, strings.TrimRight(string(mp), "\x00"))
		}
	}
	return out
}

func deviceID(props map[string]dbus.Variant) string {
	if v, ok := props["IdUUID"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			return s
		}
	}
	if v, ok := props["IdSerial"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			return s
		}
	}
	if v, ok := props["Device"]; ok {
		if b, ok := v.Value().([]byte); ok && len(b) > 0 {
			return string(b)
		}
	}
	return ""
}

func volumeLabel(props map[string]dbus.Variant) string {
	if v, ok := props["IdLabel"]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// fsnotifyMountDetector watches /media, /run/media/$USER and /mnt for new
// top-level directories when udisks2 isn't available.
type fsnotifyMountDetector struct {
	watcher *fsnotify.Watcher
	events chan MountEvent
	unmounts chan string
	stopChan chan struct{}
	mountedDevs map[string]MountEvent
	watchDirs []string
	wg sync.WaitGroup
	mu sync.RWMutex
	stopOnce sync.Once
}

func newFsnotifyMountDetector() (MountDetector, error) {
	var dirs []string
	if user := os.Getenv("USER"); user != "" {
		for _, base := range []string{"/media", "/run/media"} {
			p := filepath.Join(base, user)
			if _, err := os.Stat(p); err == nil {
				dirs = append(dirs, p)
			}
		}
	}
	for _, dir := range []string{"/media", "/mnt"} {
		if _, err := os.Stat(dir); err == nil && !contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return nil, errors.New("no mount directories found to watch")
	}
	return &fsnotifyMountDetector{
		events: make(chan MountEvent, 10),
		unmounts: make(chan string, 10),
		stopChan: make(chan struct{}),
		mountedDevs: make(map[string]MountEvent),
		watchDirs: dirs,
	}, nil
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

func (d *fsnotifyMountDetector) Events() <-chan MountEvent { return d.events }
func (d *fsnotifyMountDetector) Unmounts() <-chan string { return d.unmounts }

func (d *fsnotifyMountDetector) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	d.watcher = w
	for _, dir := range d.watchDirs {
		if err := d.watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to watch mount directory")
		}
	}
	d.wg.Add(1)
	go d.loop()
	return nil
}

func (d *fsnotifyMountDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		d.wg.Wait()
		close(d.events)
		close(d.unmounts)
	})
}

func (d *fsnotifyMountDetector) loop() {
	defer d.wg.Done()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]bool)

	for {
		select {
		case <-d.stopChan:
			timer.Stop()
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !contains(d.watchDirs, filepath.Dir(ev.Name)) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(100 * time.Millisecond)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("fsnotify error watching mount directories")
		case <-timer.C:
			for path := range pending {
				d.check(path)
			}
			pending = make(map[string]bool)
		}
	}
}

func (d *fsnotifyMountDetector) check(mountPath string) {
	info, err := os.Stat(mountPath)
	if err != nil {
		if os.IsNotExist(err) {
			d.checkRemoval(mountPath)
		}
		return
	}
	if !info.IsDir() {
		return
	}

	id := d.mountID(mountPath)
	if id == "" {
		return
	}

	d.mu.RLock()
	_, exists := d.mountedDevs[id]
	d.mu.RUnlock()
	if exists {
		return
	}

	event := MountEvent{DeviceID: id, MountPath: mountPath, VolumeLabel: filepath.Base(mountPath)}
	d.mu.Lock()
	d.mountedDevs[id] = event
	d.mu.Unlock()

	select {
	case d.events <- event:
	case <-d.stopChan:
	}
}

func (d *fsnotifyMountDetector) checkRemoval(mountPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var id string
	for k, ev := range d.mountedDevs {
		if ev.MountPath == mountPath {
			id = k
			break
		}
	}
	if id == "" {
		return
	}
	delete(d.mountedDevs, id)
	select {
	case d.unmounts <- id:
	case <-d.stopChan:
	}
}

var systemFSTypes = map[string]bool{
	"sysfs": true, "proc": true, "devtmpfs": true, "devpts": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "pstore": true, "bpf": true, "configfs": true,
	"selinuxfs": true, "debugfs": true, "tracefs": true, "fusectl": true,
	"mqueue": true, "hugetlbfs": true, "autofs": true, "efivarfs": true,
	"binfmt_misc": true, "overlay": true,
}

// mountID reads /proc/mounts to find a stable id (uuid preferred, device
// node otherwise) for a path fsnotify told us was created.
func (d *fsnotifyMountDetector) mountID(mountPath string) string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		dev, mount, fstype := fields[0], fields[1], fields[2]
		if mount != mountPath || systemFSTypes[fstype] || !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		if uuid := deviceUUID(dev); uuid != "" {
			return uuid
		}
		return dev
	}
	return ""
}

func deviceUUID(dev string) string {
	const byUUID = "/dev/disk/by-uuid"
	entries, err := os.ReadDir(byUUID)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(byUUID, e.Name()))
		if err != nil {
			continue
		}
		if target == dev {
			return e.Name()
		}
	}
	return ""
}
