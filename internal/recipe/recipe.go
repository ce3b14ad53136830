// Package recipe implements the Build-Recipe Templater (C6): given a
// framework label, emit a deterministic container recipe, an optional
// default dependency manifest, and the runtime launch command. Grounded
// on internal/deploy/builder.go's per-framework Dockerfile generators,
// narrowed to the spec's closed framework set and fixed listen port 8080.
package recipe

import (
	"fmt"

	"apex-control-plane/internal/store"
)

// ListenPort is fixed across every recipe (spec §4.6).
const ListenPort = 8080

// Recipe is C6's output for a given framework label.
type Recipe struct {
	Framework         store.FrameworkLabel
	ContainerRecipe   string // Dockerfile text
	DefaultManifest    string // injected when has_dependency_manifest is false
	LaunchCommand      []string
}

var defaultPythonManifest = map[store.FrameworkLabel]string{
	store.FrameworkStreamlit: "streamlit==1.31.0\n",
	store.FrameworkGradio:    "gradio==4.19.0\n",
	store.FrameworkFlask:     "flask==3.0.0\ngunicorn==21.2.0\n",
	store.FrameworkFastAPI:   "fastapi==0.110.0\nuvicorn[standard]==0.27.0\n",
}

// For emits the deterministic recipe for framework, using entrypoint as the
// launch target (the classifier's detected_entrypoint).
func For(framework store.FrameworkLabel, entrypoint string) (*Recipe, error) {
	switch framework {
	case store.FrameworkStreamlit:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: pythonDockerfile(entrypoint),
			DefaultManifest: defaultPythonManifest[framework],
			LaunchCommand:   []string{"streamlit", "run", entrypoint, "--server.port", port(), "--server.address", "0.0.0.0"},
		}, nil
	case store.FrameworkGradio:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: pythonDockerfile(entrypoint),
			DefaultManifest: defaultPythonManifest[framework],
			LaunchCommand:   []string{"python", entrypoint},
		}, nil
	case store.FrameworkFlask:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: pythonDockerfile(entrypoint),
			DefaultManifest: defaultPythonManifest[framework],
			LaunchCommand:   []string{"gunicorn", "--bind", "0.0.0.0:" + port(), "app:app"},
		}, nil
	case store.FrameworkFastAPI:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: pythonDockerfile(entrypoint),
			DefaultManifest: defaultPythonManifest[framework],
			LaunchCommand:   []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", port()},
		}, nil
	case store.FrameworkExpress:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: nodeDockerfile(entrypoint),
			LaunchCommand:   []string{"node", entrypoint},
		}, nil
	case store.FrameworkReact:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: reactDockerfile(),
			LaunchCommand:   []string{"serve", "-s", "build", "-l", port()},
		}, nil
	case store.FrameworkNextJS:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: nextjsDockerfile(),
			LaunchCommand:   []string{"npm", "run", "start"},
		}, nil
	case store.FrameworkStatic:
		return &Recipe{
			Framework:       framework,
			ContainerRecipe: staticDockerfile(),
			LaunchCommand:   []string{"nginx", "-g", "daemon off;"},
		}, nil
	default:
		return nil, fmt.Errorf("recipe: no recipe for framework %q", framework)
	}
}

func port() string { return fmt.Sprintf("%d", ListenPort) }

func pythonDockerfile(entrypoint string) string {
	return fmt.Sprintf(`FROM python:3.11-slim

WORKDIR /app

COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt

COPY . .

EXPOSE %d
CMD ["python", "%s"]`, ListenPort, entrypoint)
}

func nodeDockerfile(entrypoint string) string {
	return fmt.Sprintf(`FROM node:20-alpine

WORKDIR /app

COPY package*.json ./
RUN npm ci --only=production

COPY . .

EXPOSE %d
CMD ["node", "%s"]`, ListenPort, entrypoint)
}

func reactDockerfile() string {
	return fmt.Sprintf(`FROM node:20-alpine AS builder

WORKDIR /app

COPY package*.json ./
RUN npm ci

COPY . .
RUN npm run build

FROM node:20-alpine

WORKDIR /app
RUN npm install -g serve
COPY --from=builder /app/build ./build

EXPOSE %d
CMD ["serve", "-s", "build", "-l", "%d"]`, ListenPort, ListenPort)
}

func nextjsDockerfile() string {
	return fmt.Sprintf(`FROM node:20-alpine AS builder

WORKDIR /app

COPY package*.json ./
RUN npm ci

COPY . .
RUN npm run build

FROM node:20-alpine

WORKDIR /app
ENV NODE_ENV=production
COPY --from=builder /app ./

EXPOSE %d
CMD ["npm", "run", "start"]`, ListenPort)
}

func staticDockerfile() string {
	return fmt.Sprintf(`FROM nginx:alpine

COPY . /usr/share/nginx/html

EXPOSE %d
CMD ["nginx", "-g", "daemon off;"]`, ListenPort)
}

