package syncmft

import (
	"fmt"
	"strings"
)

// RsyncProtoPrefix is the URI scheme of rsync repositories.
const RsyncProtoPrefix = "rsync://"

type Logger interface {
	Infof(string, ...interface{})
	Info(...interface{})
	Debugf(string, ...interface{})
	Debug(...interface{})
	Errorf(string, ...interface{})
	Error(...interface{})
}

// ExtractRsyncDomainModule splits an rsync URI into its base
// (rsync://host/module) and the path below the module.
func ExtractRsyncDomainModule(uri string) (string, string, error) {
	if len(uri) <= 8 || uri[0:8] != "rsync://" {
		return "", "", fmt.Errorf("%s is not an rsync URI", uri)
	}
	split := strings.Split(uri[8:], "/")
	if len(split) < 2 {
		return "", "", fmt.Errorf("%s is missing an rsync module", uri)
	}
	base := RsyncProtoPrefix + strings.Join(split[0:2], "/")
	rest := strings.Join(split[2:], "/")
	return base, rest, nil
}

type SubMap struct {
	Subitem map[string]SubMap
	Count   int
}

// AddInMap indexes an rsync URI into a path tree, counting terminal
// components.
func AddInMap(item string, m map[string]SubMap) {
	if len(item) <= 8 || item[0:8] != "rsync://" {
		return
	}
	itemSplit := strings.Split(item[8:], "/")
	curm := m
	for i, s := range itemSplit {
		mm, ok := curm[s]

		if i == len(itemSplit)-1 {
			mm.Count++
		}
		if !ok {
			mm.Subitem = make(map[string]SubMap)
		}
		curm[s] = mm
		curm = mm.Subitem
	}
}

type reduceNode struct {
	items map[string]SubMap
	path  string
	depth int
}

// ReduceMap collapses a path tree built with AddInMap into the minimal
// list of rsync prefixes to synchronize. Chains with a single child and
// no terminal hits are followed down, anything below the host level
// that branches or terminates becomes a prefix of its own.
func ReduceMap(m map[string]SubMap) []string {
	queue := []reduceNode{{items: m, path: "rsync:/", depth: 0}}
	final := make([]string, 0)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for pathItem, pathMap := range cur.items {
			curPath := cur.path + "/" + pathItem

			if len(pathMap.Subitem) == 1 && pathMap.Count == 0 || cur.depth < 1 {
				queue = append(queue, reduceNode{
					items: pathMap.Subitem,
					path:  curPath,
					depth: cur.depth + 1,
				})
			} else {
				final = append(final, curPath)
			}
		}
	}
	return final
}
