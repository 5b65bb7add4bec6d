package router

import "strings"

// segnode is a node in the per-segment route tree used for multi-parameter
// patterns. Static children live in a map; at most one parameter child per
// node. Handlers are stored per method at the terminal node.
type segnode struct {
	children   map[string]*segnode
	paramChild *segnode
	paramName  string
	handlers   map[string]*Route
}

func newSegnode() *segnode {
	return &segnode{}
}

func (n *segnode) add(method, pattern string, route *Route) {
	node := n
	rest := strings.TrimPrefix(pattern, "/")
	for rest != "" {
		var seg string
		if slash := strings.IndexByte(rest, '/'); slash == -1 {
			seg, rest = rest, ""
		} else {
			seg, rest = rest[:slash], rest[slash+1:]
		}
		if seg == "" {
			panic("router: empty segment in " + pattern)
		}

		if seg[0] == ':' {
			name := seg[1:]
			if name == "" {
				panic("router: unnamed parameter in " + pattern)
			}
			if node.paramChild == nil {
				node.paramChild = newSegnode()
				node.paramName = name
			} else if node.paramName != name {
				panic("router: conflicting parameter names " + node.paramName + " and " + name + " in " + pattern)
			}
			node = node.paramChild
			continue
		}

		if node.children == nil {
			node.children = make(map[string]*segnode, 4)
		}
		child, ok := node.children[seg]
		if !ok {
			child = newSegnode()
			node.children[seg] = child
		}
		node = child
	}

	if node.handlers == nil {
		node.handlers = make(map[string]*Route, 2)
	}
	node.handlers[method] = route
}

func (n *segnode) find(method, path string) (*Route, map[string]string) {
	var params map[string]string
	node := n
	rest := strings.TrimPrefix(path, "/")
	for rest != "" {
		var seg string
		if slash := strings.IndexByte(rest, '/'); slash == -1 {
			seg, rest = rest, ""
		} else {
			seg, rest = rest[:slash], rest[slash+1:]
		}
		if seg == "" {
			return nil, nil
		}

		if child, ok := node.children[seg]; ok {
			node = child
			continue
		}
		if node.paramChild != nil {
			if params == nil {
				params = make(map[string]string, 4)
			}
			params[node.paramName] = seg
			node = node.paramChild
			continue
		}
		return nil, nil
	}

	route, ok := node.handlers[method]
	if !ok {
		return nil, nil
	}
	return route, params
}
