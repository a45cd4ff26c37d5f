package set

import (
	"os/exec"
	"sync"
)

type ExecCmdSet struct {
	mutex sync.Mutex
	items map[*exec.Cmd]struct{}
}

func NewExecCmdSet() *ExecCmdSet {
	return &ExecCmdSet{items: map[*exec.Cmd]struct{}{}}
}

func (set *ExecCmdSet) Put(cmd *exec.Cmd) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	set.items[cmd] = struct{}{}
}

func (set *ExecCmdSet) Delete(cmd *exec.Cmd) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	delete(set.items, cmd)
}

func (set *ExecCmdSet) List() []*exec.Cmd {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	cmds := make([]*exec.Cmd, 0, len(set.items))
	for cmd := range set.items {
		cmds = append(cmds, cmd)
	}
	return cmds
}
