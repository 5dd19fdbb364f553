package silo

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/jaym/goor/silo/internal/master"
	"github.com/jaym/goor/silo/internal/transport"
)

const (
	// RoleEnv marks a process started by the exec spawner as a worker.
	RoleEnv = "GOOR_ROLE"

	// The exec spawner hands the worker its end of the master connection
	// as the first two inherited descriptors after stderr.
	workerInFD  = 3
	workerOutFD = 4
)

// Spawner decides how the master starts its workers. Use ExecSpawner or
// InProcessSpawner.
type Spawner interface {
	spawner(parent *Silo) master.Spawner
}

type spawnerFunc func(parent *Silo) master.Spawner

func (f spawnerFunc) spawner(parent *Silo) master.Spawner {
	return f(parent)
}

// ExecSpawner starts each worker by re-executing the current binary with
// the same arguments and RoleEnv set to worker. The program's main must
// build its silo with the same options in both roles.
func ExecSpawner() Spawner {
	return spawnerFunc(func(parent *Silo) master.Spawner {
		return &execSpawner{log: parent.log.WithName("spawner")}
	})
}

// InProcessSpawner runs the workers as goroutines of the master process,
// connected by in-memory pipes.
func InProcessSpawner() Spawner {
	return spawnerFunc(func(parent *Silo) master.Spawner {
		return &inProcessSpawner{parent: parent}
	})
}

type execSpawner struct {
	log logr.Logger

	lock sync.Mutex
	cmds []*exec.Cmd
}

func (s *execSpawner) Spawn(ctx context.Context, n int) ([]transport.Conn, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locating executable")
	}
	conns := make([]transport.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := s.spawnOne(exe)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, errors.Wrapf(err, "spawning worker %d", i)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (s *execSpawner) spawnOne(exe string) (transport.Conn, error) {
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, err
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), RoleEnv+"="+RoleWorker.String())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	err = cmd.Start()
	// The child holds its own copies now.
	toWorkerR.Close()
	fromWorkerW.Close()
	if err != nil {
		toWorkerW.Close()
		fromWorkerR.Close()
		return nil, err
	}

	s.lock.Lock()
	s.cmds = append(s.cmds, cmd)
	s.lock.Unlock()

	pid := cmd.Process.Pid
	s.log.V(1).Info("spawned worker", "pid", pid)
	return transport.NewStreamConn(s.log.WithValues("pid", pid), pid, fromWorkerR, toWorkerW), nil
}

func (s *execSpawner) Terminate(ctx context.Context) error {
	s.lock.Lock()
	cmds := s.cmds
	s.cmds = nil
	s.lock.Unlock()

	var result *multierror.Error
	for _, cmd := range cmds {
		done := make(chan error, 1)
		go func(cmd *exec.Cmd) {
			done <- cmd.Wait()
		}(cmd)
		select {
		case err := <-done:
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "worker %d", cmd.Process.Pid))
			}
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-done
			result = multierror.Append(result, errors.Wrapf(ctx.Err(), "killed worker %d", cmd.Process.Pid))
		}
	}
	return result.ErrorOrNil()
}

// workerConn is the master connection of a process started by the exec
// spawner.
func workerConn(log logr.Logger) transport.Conn {
	return transport.NewStreamConn(log, os.Getppid(),
		os.NewFile(workerInFD, "goor-master-in"),
		os.NewFile(workerOutFD, "goor-master-out"))
}

type inProcessSpawner struct {
	parent *Silo

	lock    sync.Mutex
	workers []*Silo
}

func (s *inProcessSpawner) Spawn(ctx context.Context, n int) ([]transport.Conn, error) {
	conns := make([]transport.Conn, 0, n)
	workers := make([]*Silo, 0, n)
	for i := 0; i < n; i++ {
		pid := i + 1
		masterEnd, workerEnd := transport.NewPipe(0, pid)
		ws, err := s.parent.workerSilo(pid, workerEnd)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, errors.Wrapf(err, "creating worker %d", pid)
		}
		conns = append(conns, masterEnd)
		workers = append(workers, ws)
	}

	s.lock.Lock()
	s.workers = workers
	s.lock.Unlock()

	for _, ws := range workers {
		go func(ws *Silo) {
			// The worker outlives the caller's start context.
			if err := ws.Start(context.Background()); err != nil {
				ws.log.Error(err, "worker failed to start")
			}
		}(ws)
	}
	return conns, nil
}

func (s *inProcessSpawner) Workers() []*Silo {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*Silo(nil), s.workers...)
}

func (s *inProcessSpawner) Terminate(ctx context.Context) error {
	var result *multierror.Error
	for _, ws := range s.Workers() {
		select {
		case <-ws.worker.Done():
		case <-ctx.Done():
			result = multierror.Append(result, errors.Wrapf(ctx.Err(), "waiting for worker %d", ws.pid))
		}
	}
	return result.ErrorOrNil()
}
