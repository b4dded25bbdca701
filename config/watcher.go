package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// Watcher holds the live config for a running transport and reloads it when
// the file changes on disk. It implements stream.TokenSource, so sockets
// opened after a token rotation carry the new token.
type Watcher struct {
	path     string
	onReload func(config *Config)

	watcher *fsnotify.Watcher

	mutex       sync.Mutex
	config      *Config
	reloadTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// trailing edge debounce, so a burst of events from an editor or an atomic
// replace resolves to one reload of the final file state
const reloadDebounce = 200 * time.Millisecond

func NewWatcher(path string, onReload func(config *Config)) (*Watcher, error) {
	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory, not the file. most editors and the kubelet's
	// atomic writes replace the file, which drops a file level watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	watcher := &Watcher{
		path:     path,
		onReload: onReload,
		watcher:  fsWatcher,
		config:   config,
		done:     make(chan struct{}),
	}
	go watcher.run()
	return watcher, nil
}

func (self *Watcher) run() {
	for {
		select {
		case <-self.done:
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(self.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			self.scheduleReload()
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[config]watch error = %s\n", err)
		}
	}
}

func (self *Watcher) scheduleReload() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.reloadTimer == nil {
		self.reloadTimer = time.AfterFunc(reloadDebounce, self.reload)
	} else {
		self.reloadTimer.Reset(reloadDebounce)
	}
}

func (self *Watcher) reload() {
	config, err := Load(self.path)
	if err != nil {
		// keep serving the last good config
		glog.Infof("[config]reload error %s = %s\n", self.path, err)
		return
	}

	self.mutex.Lock()
	self.config = config
	self.mutex.Unlock()

	glog.V(2).Infof("[config]reloaded %s\n", self.path)
	if self.onReload != nil {
		self.onReload(config)
	}
}

func (self *Watcher) Config() *Config {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.config
}

// Token implements stream.TokenSource against the live config.
// An unknown cluster id yields "" so the request proceeds unauthenticated
// and the server decides.
func (self *Watcher) Token(clusterId string) (string, error) {
	cluster, ok := self.Config().Cluster(clusterId)
	if !ok {
		return "", nil
	}
	return cluster.BearerToken()
}

func (self *Watcher) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.watcher.Close()
		self.mutex.Lock()
		if self.reloadTimer != nil {
			self.reloadTimer.Stop()
		}
		self.mutex.Unlock()
	})
}
